package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/khawaidev/pantharaaiAPI/internal/api"
	"github.com/khawaidev/pantharaaiAPI/internal/browser"
	"github.com/khawaidev/pantharaaiAPI/internal/chat"
	"github.com/khawaidev/pantharaaiAPI/internal/config"
	"github.com/khawaidev/pantharaaiAPI/internal/observability"
	"github.com/khawaidev/pantharaaiAPI/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP endpoint backed by a live browser session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		logger := observability.GetLogger()

		store := session.New(cfg.Session, cfg.Target.URL, logger)
		gate := browser.NewGate(cfg.Target.BrandText, logger)
		lifecycle := browser.NewLifecycle(cfg.Browser, cfg.Target, gate, store, logger)
		defer lifecycle.Close()

		typist := chat.NewTypist(cfg.Chat.Typing)
		driver := chat.NewDriver(cfg.Chat, cfg.Target, gate, typist, logger)
		server := api.NewServer(cfg.Server, lifecycle, driver, store, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// The browser launches lazily on the first conversation; serving
		// starts immediately.
		return server.ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
