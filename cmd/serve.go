package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/monitoring"
	"github.com/sells-group/lead-aggregator/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(scheduler.FromConfig(cfg), env.Pipeline.Execute)
		go sched.Start(ctx)

		if env.Store != nil {
			checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), env.Alerter, cfg.Monitoring)
			go checker.Run(ctx)
		} else {
			zap.L().Warn("no run store configured, recent-run alert checks disabled")
		}

		api := &apiServer{
			baseCtx:  ctx,
			sched:    sched,
			store:    env.Store,
			history:  env.Pipeline.Snapshot,
			breakers: env.Breakers,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		listenErr := srv.ListenAndServe()
		if errors.Is(listenErr, http.ErrServerClosed) {
			listenErr = nil
		}
		if listenErr != nil {
			stop()
		}

		zap.L().Info("waiting for in-flight run")
		sched.Shutdown()
		return eris.Wrap(listenErr, "server listen")
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
