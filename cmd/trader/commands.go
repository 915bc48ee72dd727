package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/trader"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and run sessions on demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.shutdown()
			if port == 0 {
				port = a.cfg.Server.Port
			}

			ctx, stop := signalContext()
			defer stop()

			api := trader.NewAPIServer(a.registry, a.hub, port, a.log)
			api.Start()
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := api.Stop(shutdownCtx); err != nil {
				a.log.Error("API server shutdown failed", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (defaults to server.port)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		userID      string
		mode        string
		profile     string
		confirmReal bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single session in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := exchange.ParseMode(mode)
			if err != nil {
				return err
			}
			if m.IsReal() && !confirmReal {
				return fmt.Errorf("real mode moves real funds; pass --confirm-real to proceed")
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.shutdown()
			ctx, stop := signalContext()
			defer stop()

			res, err := a.registry.Start(ctx, userID, m, profile)
			if err != nil {
				return err
			}
			a.log.Info("Session running", zap.String("session_id", res.SessionID), zap.String("mode", string(res.Mode)))

			done, err := a.registry.Done(userID)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-done:
			}

			report := a.registry.Status(userID)
			if perf, err := a.registry.Performance(userID, time.Time{}); err == nil {
				a.log.Info("Session summary",
					zap.String("status", string(report.Status)),
					zap.Int("trades", perf.TotalTrades),
					zap.String("win_rate", perf.WinRate.StringFixed(2)),
					zap.String("total_pnl", perf.TotalPnL.String()),
					zap.String("max_drawdown", perf.MaxDrawdown.String()))
			}

			if report.Status == trader.StatusError && report.Session != nil {
				return fmt.Errorf("session failed: %s", report.Session.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "user id owning the session")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(exchange.ModeSimulation), "trading mode: simulation, demo or real")
	cmd.Flags().StringVarP(&profile, "profile", "P", "", "named trading profile (default: the trading section)")
	cmd.Flags().BoolVar(&confirmReal, "confirm-real", false, "confirm trading with real funds")
	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured trading profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printProfile := func(name string, t config.Trading) {
				fmt.Fprintf(out, "%-14s symbols=%v timeframe=%s every=%s ma=%d/%d sl=%.2f%% tp=%.2f%%\n",
					name, t.Symbols, t.Timeframe, t.WaitInterval, t.Strategy.Fast, t.Strategy.Slow,
					t.Risk.StopLossPercent, t.Risk.TakeProfitPercent)
			}
			printProfile("default", cfg.Trading)
			for _, name := range cfg.ProfileNames() {
				printProfile(name, cfg.Profiles[name])
			}
			return nil
		},
	}
}
