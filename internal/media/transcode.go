package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Runner executes an external encoder process and returns its exit
// code and captured stderr
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (int, string, error)
}

// ExecRunner runs the encoder via os/exec
type ExecRunner struct{}

// Run executes the command and returns exit code, stderr, and error
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	err := cmd.Run()
	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		} else {
			return -1, errBuf.String(), fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return exit, errBuf.String(), nil
}

// convertVideo transcodes a legacy container to mp4/h264+aac. The fast
// profile runs first; only on failure does the salvage profile run,
// tuned for corrupt or very old files.
func (p *Pipeline) convertVideo(ctx context.Context, in, out string) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.ConvertTimeout)
	defer cancel()

	exit, stderr, err := p.runner.Run(cctx, p.opts.FFmpegPath, videoArgsFast(in, out)...)
	if err == nil && exit == 0 {
		return nil
	}
	p.logger.Debug().
		Str("input", in).
		Int("exit", exit).
		Msg("Fast video profile failed, trying salvage profile")

	cctx2, cancel2 := context.WithTimeout(ctx, p.opts.ConvertTimeout)
	defer cancel2()

	exit, stderr, err = p.runner.Run(cctx2, p.opts.FFmpegPath, videoArgsSalvage(in, out)...)
	if err == nil && exit == 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("encoder exit %d: %s", exit, tail(stderr, 400))
}

// convertImage converts an image to jpeg
func (p *Pipeline) convertImage(ctx context.Context, in, out string) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.ConvertTimeout)
	defer cancel()

	exit, stderr, err := p.runner.Run(cctx, p.opts.FFmpegPath,
		"-y", "-i", in, "-q:v", "3", out)
	if err != nil {
		return err
	}
	if exit != 0 {
		return fmt.Errorf("encoder exit %d: %s", exit, tail(stderr, 400))
	}
	return nil
}

// videoArgsFast is the high-quality first-attempt profile
func videoArgsFast(in, out string) []string {
	return []string{
		"-y", "-i", in,
		"-c:v", "libx264", "-preset", "fast", "-crf", "20",
		"-c:a", "aac",
		"-movflags", "+faststart",
		out,
	}
}

// videoArgsSalvage is the conservative fallback profile: explicit pixel
// format, regenerated timestamps, and a forced frame rate to salvage
// broken legacy containers.
func videoArgsSalvage(in, out string) []string {
	return []string{
		"-y", "-fflags", "+genpts",
		"-i", in,
		"-c:v", "libx264", "-preset", "medium", "-crf", "28",
		"-pix_fmt", "yuv420p",
		"-r", "25", "-vsync", "cfr",
		"-c:a", "aac", "-ac", "2",
		"-movflags", "+faststart",
		out,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
