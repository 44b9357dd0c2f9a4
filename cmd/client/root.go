package main

import (
	"fmt"
	"os"

	"github.com/omochice/magichat/internal/api"
	"github.com/omochice/magichat/internal/client"
	"github.com/omochice/magichat/internal/config"
	"github.com/omochice/magichat/internal/connection"
	"github.com/omochice/magichat/internal/logging"
	"github.com/omochice/magichat/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose   bool
	apiURL    string
	socketURL string
	storePath string
)

var rootCmd = &cobra.Command{
	Use:   "magichat",
	Short: "Terminal client for MagiChat",
	Long: `Sign in, browse conversations and chat from the terminal.

Quick Start:
  magichat login --email alice@example.com
  magichat chat
  magichat logout`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (overrides CHAT_API_URL)")
	rootCmd.PersistentFlags().StringVar(&socketURL, "socket", "", "Websocket URL (overrides CHAT_SOCKET_URL)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Session store directory (overrides CHAT_STORE_PATH)")
}

// app is one wired client plus what must be released with it.
type app struct {
	client  *client.Client
	logger  *zap.Logger
	closers []func() error
}

func (a *app) Close() {
	a.client.Close()
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newApp(nav client.Navigator) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.API.URL = apiURL
	}
	if socketURL != "" {
		cfg.Socket.URL = socketURL
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}

	logCfg := logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{logger: logger}

	var st storage.Storage = storage.NewMemory()
	if cfg.Store.Path != "" {
		p, err := storage.OpenPebble(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		st = p
		a.closers = append(a.closers, p.Close)
	}

	apiClient := api.New(api.Config{
		BaseURL:    cfg.API.URL,
		Timeout:    cfg.API.Timeout,
		RateLimit:  cfg.API.RateLimit,
		MaxRetries: cfg.API.MaxRetries,
	}, logger)

	c, err := client.New(client.Options{
		API:         apiClient,
		Storage:     st,
		Dialer:      connection.WebSocketDialer(cfg.Socket.URL, logger),
		Navigator:   nav,
		Logger:      logger,
		DialTimeout: cfg.Socket.DialTimeout,
	})
	if err != nil {
		for _, closer := range a.closers {
			_ = closer()
		}
		return nil, err
	}
	a.client = c
	return a, nil
}
