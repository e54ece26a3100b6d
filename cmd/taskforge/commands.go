package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nidhogg/taskforge/internal/api"
	"github.com/nidhogg/taskforge/internal/config"
	"github.com/nidhogg/taskforge/internal/events"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if port == 0 {
				port = a.cfg.Server.Port
			}

			h := api.NewHandler(a.agent, a.providers, a.runs, a.metrics.Handler(), a.logger)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           h.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("taskforge listening", zap.Int("port", port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server: %w", err)
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func newPlanCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Create a plan for a goal without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.agent.Plan(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			fmt.Fprintln(out, p.Summary())
			for _, w := range p.Metadata.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var (
		asJSON     bool
		showReport bool
		markdown   bool
	)
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan and execute a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.agent.Run(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				return res.Err()
			}

			fmt.Fprintln(out, res.Plan.Summary())
			fmt.Fprintln(out)
			fmt.Fprintln(out, res.Text())
			switch {
			case markdown:
				fmt.Fprintln(out)
				fmt.Fprintln(out, res.Trace.Markdown())
			case showReport:
				fmt.Fprintln(out)
				fmt.Fprintln(out, res.Report)
			}
			fmt.Fprintf(out, "\nrun %s finished in %s\n", res.RunID, res.Duration.Round(time.Millisecond))
			return res.Err()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	cmd.Flags().BoolVar(&showReport, "report", false, "print the reasoning report")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "print the reasoning report as markdown")
	return cmd
}

func newWatchCmd(cfgPath *string) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow execution events from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Database.Redis.URL == "" {
				return errors.New("database.redis.url is not configured")
			}
			logger, err := newLogger(cfg.Server)
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := events.Open(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			for ev := range s.Subscribe(ctx, from) {
				line := fmt.Sprintf("%s %-13s run=%s", ev.Time.Format(time.TimeOnly), ev.Type, ev.RunID)
				if ev.Step > 0 {
					line += fmt.Sprintf(" step=%d status=%s", ev.Step, ev.Status)
				}
				if ev.Error != "" {
					line += " error=" + ev.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "$", "stream ID to start after (\"0\" replays history)")
	return cmd
}

