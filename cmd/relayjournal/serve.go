package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relayjournal/internal/config"
	"github.com/agentworkforce/relayjournal/internal/docstore"
	"github.com/agentworkforce/relayjournal/internal/httpapi"
	"github.com/agentworkforce/relayjournal/internal/mirror"
	"github.com/agentworkforce/relayjournal/internal/relayjournal"
	"github.com/agentworkforce/relayjournal/internal/transport/kafka"
	"github.com/agentworkforce/relayjournal/internal/transport/rabbitmq"
	"github.com/agentworkforce/relayjournal/internal/transport/spool"
	"github.com/agentworkforce/relayjournal/internal/transport/telegram"
)

const shutdownTimeout = 10 * time.Second

// source is an inbound transport that also acknowledges what it delivered.
type source interface {
	relayjournal.Acknowledger
	Name() string
	Run(ctx context.Context, queue relayjournal.Queue) error
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the enabled transports, the publish loop and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = docstore.Close(store) }()

	queue, err := relayjournal.BuildQueueFromDSN(cfg.Queue.DSN, cfg.Queue.Capacity, logger)
	if err != nil {
		return fmt.Errorf("open queue %s: %w", redactDSN(cfg.Queue.DSN), err)
	}
	defer func() { _ = queue.Close() }()

	backoff := backoffFrom(cfg)
	sources, err := buildSources(cfg, backoff, logger)
	if err != nil {
		return err
	}
	router := relayjournal.NewAckRouter()
	router.Register(cliTransport, relayjournal.NoopAcknowledger)
	router.Register(httpapi.TransportName, relayjournal.NoopAcknowledger)
	for _, src := range sources {
		router.Register(src.Name(), src)
	}

	location, err := cfg.Location()
	if err != nil {
		return err
	}
	publisher, err := relayjournal.NewPublisher(relayjournal.PublisherOptions{
		Store:        store,
		Queue:        queue,
		Acknowledger: router,
		Location:     location,
		Backoff:      backoff,
		Logger:       logger.With("component", "publisher"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(gctx) })
	for _, src := range sources {
		src := src
		g.Go(func() error {
			if err := src.Run(gctx, queue); err != nil {
				return fmt.Errorf("%s transport: %w", src.Name(), err)
			}
			return nil
		})
	}

	if cfg.HTTP.Enabled {
		api, err := httpapi.NewServer(publisher, store, httpapi.ServerConfig{
			JWTSecret:          cfg.HTTP.JWTSecret,
			AllowedSenders:     cfg.HTTP.AllowedSenders,
			RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
			RateLimitBurst:     cfg.HTTP.RateLimitBurst,
			MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		}, logger.With("component", "httpapi"))
		if err != nil {
			return err
		}
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Mirror.Enabled {
		m, err := mirror.New(store, mirror.Options{
			LocalRoot:      cfg.Mirror.Dir,
			IntervalJitter: cfg.Mirror.Jitter,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		events, unsubscribe := publisher.Subscribe(64)
		g.Go(func() error {
			defer unsubscribe()
			return m.Run(gctx, cfg.Mirror.Interval, events)
		})
	}

	transports := cfg.Transports()
	if len(transports) == 0 {
		logger.Warn("no transports enabled; only queued messages will be published")
	}
	logger.Info("relayjournal started",
		"store", redactDSN(cfg.Store.DSN),
		"queue", redactDSN(cfg.Queue.DSN),
		"timezone", location.String(),
		"transports", strings.Join(transports, ","),
	)
	err = g.Wait()
	logger.Info("relayjournal stopped", "stats", publisher.Stats())
	return err
}

func buildSources(cfg config.Config, backoff relayjournal.Backoff, logger *slog.Logger) ([]source, error) {
	var sources []source
	if cfg.Telegram.Enabled {
		src, err := telegram.New(telegram.Options{
			Token:           cfg.Telegram.Token,
			BaseURL:         cfg.Telegram.APIBaseURL,
			AllowedChats:    cfg.Telegram.AllowedChats,
			PollTimeout:     cfg.Telegram.PollTimeout,
			RejectionNotice: cfg.Telegram.RejectionNotice,
			Backoff:         backoff,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram transport: %w", err)
		}
		sources = append(sources, src)
	}
	if cfg.Spool.Enabled {
		src, err := spool.New(spool.Options{
			Dir:            cfg.Spool.Dir,
			Pattern:        cfg.Spool.Pattern,
			RescanInterval: cfg.Spool.RescanInterval,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("spool transport: %w", err)
		}
		sources = append(sources, src)
	}
	if cfg.RabbitMQ.Enabled {
		src, err := rabbitmq.New(rabbitmq.Config{
			URL:            cfg.RabbitMQ.URL,
			Queue:          cfg.RabbitMQ.Queue,
			Exchange:       cfg.RabbitMQ.Exchange,
			RoutingKeys:    cfg.RabbitMQ.RoutingKeys,
			Prefetch:       cfg.RabbitMQ.Prefetch,
			AllowedSenders: cfg.RabbitMQ.AllowedSenders,
		}, backoff, logger)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq transport: %w", err)
		}
		sources = append(sources, src)
	}
	if cfg.Kafka.Enabled {
		src, err := kafka.New(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topics:         cfg.Kafka.Topics,
			GroupID:        cfg.Kafka.GroupID,
			ClientID:       cfg.Kafka.ClientID,
			AllowedSenders: cfg.Kafka.AllowedSenders,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka transport: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
