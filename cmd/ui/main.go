package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/database"
	"trading-session-bot-go/internal/logger"
	"trading-session-bot-go/internal/repo"
)

func main() {
	var (
		configDir string
		port      int
	)
	rootCmd := &cobra.Command{
		Use:          "ui",
		Short:        "Read-only dashboard over persisted sessions and trades",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configDir, port)
		},
	}
	rootCmd.Flags().StringVarP(&configDir, "config", "c", "./configs", "directory holding config.yml")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (defaults to server.port + 1)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(configDir string, port int) error {
	// Load configuration
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(db)

	mux := http.NewServeMux()
	NewAPIHandler(log.Named("ui"), repo.NewStore(db)).Routes(mux)

	if port == 0 {
		port = cfg.Server.Port + 1
	}
	addr := fmt.Sprintf(":%d", port)
	log.Info("Starting web server", zap.String("address", addr))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		log.Error("Web server failed", zap.Error(err))
		return err
	}
	return nil
}
