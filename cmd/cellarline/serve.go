package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cellarline/internal/config"
	"cellarline/internal/dispatch"
	"cellarline/internal/observability"
	"cellarline/internal/relay"
	"cellarline/internal/server"
)

func serveCmd() *cobra.Command {
	var noRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the audit relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadService()
			if err != nil {
				return err
			}
			if svc.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required (CELLARLINE_AUTH_JWT_SECRET)")
			}
			e, closeFn, err := newEngine(svc)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := observability.Logger()

			if !noRelay {
				r, cleanup, err := buildRelay(svc)
				if err != nil {
					return err
				}
				defer cleanup()
				r.Repo = e.Repo
				r.Metrics = e.Metrics
				go func() {
					if err := r.Run(ctx); err != nil {
						log.Error("relay stopped", "err", err)
					}
				}()
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: svc.BasePath,
				Auth: server.AuthConfig{
					JWTSecret: svc.Auth.JWTSecret,
					Issuer:    svc.Auth.Issuer,
					Audience:  svc.Auth.Audience,
				},
				Metrics: e.Metrics,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: svc.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving cellarline API", "addr", svc.Addr, "base_path", svc.BasePath,
				"openapi", svc.BasePath+"/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("public-base-url", "http://127.0.0.1:8080", "origin used in member links")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "do not start the audit relay")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base_path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("public_base_url", cmd.Flags().Lookup("public-base-url"))
	return cmd
}

// buildRelay wires the sinks the service config names. Replies always get a
// sink: AMQP when configured, otherwise the log.
func buildRelay(svc *config.Service) (relay.Relay, func(), error) {
	log := observability.Logger()
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var d dispatch.Dispatcher = dispatch.LogDispatcher{Logger: log.With("component", "dispatch")}
	if svc.AMQP.URL != "" {
		p, err := dispatch.NewAMQP(svc.AMQP.URL, svc.AMQP.Exchange, svc.AMQP.RoutingKey, log.With("component", "dispatch"))
		if err != nil {
			return relay.Relay{}, cleanup, fmt.Errorf("connect amqp: %w", err)
		}
		d = p
	}
	closers = append(closers, func() { d.Close() })
	sinks := []relay.Sink{relay.ReplySink{Dispatcher: d}}

	if svc.NATS.URL != "" {
		n, err := relay.DialNATS(svc.NATS.URL, svc.NATS.Subject)
		if err != nil {
			cleanup()
			return relay.Relay{}, func() {}, err
		}
		closers = append(closers, n.Close)
		sinks = append(sinks, n)
	}
	for _, hook := range svc.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, relay.NewWebhookSink(hook))
	}
	return relay.Relay{Sinks: sinks, Interval: svc.Relay.Interval, Batch: svc.Relay.Batch}, cleanup, nil
}
