package fetch

import (
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// DecodeHTML converts fetched markup to UTF-8 using the declared
// content type and byte-level sniffing. Decoding failures fall back to
// the raw bytes; the rewriter can still operate on mostly-ASCII markup.
func DecodeHTML(body []byte, contentType string) []byte {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if isUTF8(name, enc) {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

func isUTF8(name string, enc encoding.Encoding) bool {
	if strings.EqualFold(name, "utf-8") {
		return true
	}
	return enc == unicode.UTF8
}
