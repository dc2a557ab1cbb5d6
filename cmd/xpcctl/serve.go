package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/obinnaokechukwu/xpc"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve <service>",
		Short: "Run an echo service",
		Long: `Listen on a launchd service and echo every message back: as the reply
when the sender waits for one, and as a new message otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, closeRuntime, err := flags.runtimeOptions()
			if err != nil {
				return err
			}
			defer closeRuntime()

			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				opts = append(opts, xpc.WithMetrics(xpc.NewMetrics(xpc.MetricsConfig{Registry: reg})))
				srv := serveMetrics(metricsAddr, reg)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
			}

			l, err := xpc.Listen(args[0], echoHandler, opts...)
			if err != nil {
				return err
			}
			fmt.Printf("Listening on %s\n", args[0])

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return l.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			xpc.Logger().Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// echoHandler returns each message to its sender.
func echoHandler(peer *xpc.Connection) xpc.Delegate {
	log := xpc.Logger().With(zap.String("peer", peer.ID()))
	return xpc.DelegateFunc(func(ev xpc.Event) {
		switch ev.Kind {
		case xpc.EventMessage:
			var err error
			if ev.ExpectsReply() {
				err = ev.Reply(ev.Message)
			} else {
				err = peer.SendMessage(ev.Message)
			}
			if err != nil {
				log.Warn("echo failed", zap.Error(err))
			}
		case xpc.EventDecodeError:
			log.Warn("undecodable message", zap.Error(ev.Err))
		case xpc.EventConnectionInvalid:
			log.Debug("peer gone")
		}
	})
}
