package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/dkeye/Calling/internal/adapters/http"
	"github.com/dkeye/Calling/internal/adapters/rest"
	"github.com/dkeye/Calling/internal/adapters/rtc"
	"github.com/dkeye/Calling/internal/adapters/sink"
	"github.com/dkeye/Calling/internal/adapters/ws"
	"github.com/dkeye/Calling/internal/app"
	"github.com/dkeye/Calling/internal/app/orch"
	"github.com/dkeye/Calling/internal/clock"
	"github.com/dkeye/Calling/internal/config"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/dkeye/Calling/internal/eventloop"
	"github.com/dkeye/Calling/internal/push"
)

const loopQueueSize = 256

func newRunCommand() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the push endpoint and serve the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment, overrides CONFIG_ENV")
	return cmd
}

func run(ctx context.Context, env string) error {
	cfg, v, err := config.Load(env)
	if err != nil {
		return err
	}
	config.ApplyLogLevel(cfg.LogLevel)
	config.Watch(v)

	clientID, err := domain.NewClientID(cfg.ClientID)
	if err != nil {
		return fmt.Errorf("client_id: %w", err)
	}
	self := domain.Device{User: domain.UserID(cfg.UserID), Client: clientID}
	convs, err := cfg.DirectoryEntries()
	if err != nil {
		return err
	}

	sched := clock.Real{}
	loop := eventloop.New(loopQueueSize)

	tokens := rest.NewTokenSource(ctx, cfg.BackendURL, cfg.RefreshToken, sched, nil)
	if cfg.AccessToken != "" {
		tokens.Set(cfg.AccessToken, cfg.AccessTokenTTL)
	}
	backend, err := rest.NewClient(cfg.BackendURL, self, tokens, nil)
	if err != nil {
		return err
	}

	engine, err := rtc.NewEngine(rtc.Options{Self: self, IncludeLoopback: cfg.IncludeLoopback})
	if err != nil {
		return err
	}
	defer engine.Close()

	activity := sink.New(sched, cfg.ActivityCapacity)
	arbiter := app.PolicyFromName(cfg.ConflictPolicy)
	var conflicts httpapi.Conflicts
	if pending, ok := arbiter.(*app.PendingArbiter); ok {
		conflicts = pending
	}
	callConfig := app.NewCallConfig(ctx, backend, sched, cfg.ConfigLimit, cfg.ConfigCeiling)
	defer callConfig.Stop()

	calls := orch.New(ctx, orch.Deps{
		Self:       self,
		Loop:       loop,
		Sched:      sched,
		Engine:     engine,
		Media:      rtc.Source{},
		Sender:     backend,
		Config:     callConfig,
		Sink:       activity,
		Env:        app.Env{Supported: cfg.CallingSupported},
		Directory:  app.NewDirectory(convs...),
		Arbiter:    arbiter,
		Registry:   app.NewRegistry(),
		SetupDelay: cfg.SetupDelay,
	})

	transport := push.New(ctx, push.Options{
		BaseURL:           cfg.PushURL,
		ClientID:          clientID,
		KeepalivePeriod:   cfg.KeepalivePeriod,
		ReconnectInterval: cfg.ReconnectInterval,
	}, ws.NewDialer(), tokens, sched, loop)
	router := app.NewRouter(ctx, calls, activity)
	transport.OnStatus(router.OnStatus)
	tokens.OnRefreshed(transport.PendingReconnect)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: httpapi.SetupRouter(httpapi.Options{Mode: cfg.Mode}, httpapi.Deps{
			Calls:     calls,
			Push:      transport,
			Activity:  activity,
			Conflicts: conflicts,
			Sched:     sched,
			Limiter:   httpapi.NewCommandLimiter(sched, cfg.CommandRateLimit, cfg.CommandRateWindow),
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return calls.Run(gctx) })
	g.Go(func() error {
		if err := transport.Connect(gctx, router.Deliver); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("push connect: %w", err)
		}
		log.Info().Str("module", "main").Str("push", cfg.PushURL).Str("client", string(clientID)).Msg("push connected")
		return nil
	})
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", srv.Addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		transport.Disconnect()
		log.Info().Str("module", "main").Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("module", "main").Msg("client exited gracefully")
	return nil
}
