package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-lens/internal/api"
	"github.com/23skdu/longbow-lens/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve analyses over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			m, err := openModel(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			tok, err := openTokenizer(cfg, m)
			if err != nil {
				return err
			}

			e := echo.New()
			e.Use(middleware.Recover())
			api.NewServer(m, tok).Register(e)

			logger.Log.Info("starting server", "address", cfg.ServerAddr)
			sc := echo.StartConfig{
				Address: cfg.ServerAddr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
