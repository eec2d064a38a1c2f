// Package main serves a finished mirror over HTTP for local browsing
package main

import (
	"flag"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/fieldstone/sitemirror/pkg/logging"
)

func main() {
	var (
		root = flag.String("root", "./mirror", "mirror directory to serve")
		addr = flag.String("addr", ":8080", "listen address")
	)
	flag.Parse()

	logCfg := logging.DefaultLogConfig()
	logCfg.OutputFile = ""
	if err := logging.SetupLogger(logCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	app := fiber.New(fiber.Config{
		AppName:               "sitemirror preview",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "root": *root})
	})

	app.Static("/", *root, fiber.Static{
		Browse: true,
		Index:  "index.html",
	})

	log.Info().Str("root", *root).Str("addr", *addr).Msg("Serving mirror")
	if err := app.Listen(*addr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
