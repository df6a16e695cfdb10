package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"luxelink/server/internal/api"
	"luxelink/server/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled scan cycles and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sched := scheduler.NewScheduler(a.coordinator, a.dispatcher, cfg, logger)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(api.NewHandler(a.store, sched, logger), cfg.HTTP.CORSOrigins, a.promReg)

		port := servePort
		if port == "" {
			port = cfg.HTTP.Port
		}
		srv := &http.Server{
			Addr:              ":" + port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Server forced to shutdown")
			}
		}()

		logger.Infof("Starting server on port %s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "HTTP port (default from PORT)")
	rootCmd.AddCommand(serveCmd)
}
