// Command server runs the in-memory dev backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/magichat/internal/config"
	"github.com/omochice/magichat/internal/devserver"
	"github.com/omochice/magichat/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addr    string
	seed    bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:          "magichat-server",
	Short:        "In-memory MagiChat backend for local development",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadOrDefault()
		if addr == "" {
			addr = cfg.DevServer.Addr
		}

		logCfg := logging.Config{Level: cfg.Logging.Level, Development: true}
		if verbose {
			logCfg.Level = "debug"
		}
		logger, err := logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		store := devserver.NewStore()
		if seed {
			seedUsers(store, logger)
		}
		srv := devserver.New(store, logger)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		errChan := make(chan error, 1)
		go func() {
			errChan <- srv.Start(addr)
		}()

		select {
		case err := <-errChan:
			return err
		case sig := <-sigChan:
			logger.Info("shutting down", zap.Stringer("signal", sig))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides DEVSERVER_ADDR)")
	rootCmd.Flags().BoolVar(&seed, "seed", true, "Create demo users alice, bob and carol")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// seedUsers creates three accounts sharing the password "password" and a
// conversation between alice and bob.
func seedUsers(store *devserver.Store, logger *zap.Logger) {
	alice := store.AddUser("Alice", "alice@example.com", "password")
	store.AddUser("Bob", "bob@example.com", "password")
	store.AddUser("Carol", "carol@example.com", "password")

	conv, _, _, err := store.StartConversation(alice.ID, "bob@example.com")
	if err != nil {
		logger.Warn("failed to seed conversation", zap.Error(err))
		return
	}
	if _, err := store.Append(alice.ID, conv.ID, "Welcome to MagiChat!"); err != nil {
		logger.Warn("failed to seed message", zap.Error(err))
	}
	logger.Info("seeded demo users", zap.Strings("emails", []string{
		"alice@example.com", "bob@example.com", "carol@example.com",
	}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
