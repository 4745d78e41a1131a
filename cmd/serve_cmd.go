package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/bacli/internal/config"
	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/metrics"
	"github.com/kebairia/bacli/internal/scheduler"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		defer om.Close()
		log := logger.Global()

		sched := scheduler.New(om.Targets(), om.Backups(), scheduler.WithLogger(log))
		if err := sched.Register(); err != nil {
			return err
		}

		var servers []*http.Server
		for addr, handler := range serveHandlers(om.Config(), sched) {
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
			servers = append(servers, srv)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", "addr", srv.Addr, "error", err)
				}
			}()
			log.Info("http listening", "addr", addr)
		}

		sched.Start()
		<-cmd.Context().Done()
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(ctx)
		}
		if err := sched.Stop(ctx); err != nil {
			log.Warn("backups still running at shutdown were cancelled", "error", err)
		}
		return nil
	},
}

// serveHandlers groups /metrics and the control API by listen address.
func serveHandlers(cfg config.Config, sched *scheduler.Scheduler) map[string]http.Handler {
	muxes := make(map[string]*http.ServeMux)
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		return m
	}
	if addr := cfg.Metrics.Listen; addr != "" {
		mux(addr).Handle("/metrics", metrics.Handler())
	}
	if addr := cfg.Control.Listen; addr != "" {
		control := sched.Handler()
		mux(addr).Handle("/targets", control)
		mux(addr).Handle("/targets/", control)
	}

	out := make(map[string]http.Handler, len(muxes))
	for addr, m := range muxes {
		out[addr] = m
	}
	return out
}

func init() {
	serveCmd.Flags().
		DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "how long to wait for running backups on shutdown")
}
