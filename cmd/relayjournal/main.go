package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayjournal/internal/config"
	"github.com/agentworkforce/relayjournal/internal/docstore"
	"github.com/agentworkforce/relayjournal/internal/relayjournal"
)

// cliTransport names messages appended from the command line.
const cliTransport = "cli"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type app struct {
	configPath string
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stderr: stderr}
	root := &cobra.Command{
		Use:   "relayjournal",
		Short: "Relay chat messages into a monthly markdown journal",
		Long: `relayjournal accepts short messages from chat and queue transports and
appends each one to a monthly markdown document in a
remote store such as a GitHub repository. Delivery is at least once:
a message is acknowledged only after its entry is written, so a crash
between the two can journal it again on redelivery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (yaml, toml or json); environment only when empty")
	root.AddCommand(
		a.serveCommand(),
		a.appendCommand(),
		a.showCommand(),
		a.mirrorCommand(),
		a.checkConfigCommand(),
	)
	return root
}

func (a *app) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, newLogger(cfg.Log, a.stderr), nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(cfg config.Config) (docstore.Store, error) {
	store, err := docstore.BuildStoreFromDSN(cfg.Store.DSN, docstore.StoreOptions{
		Token:             cfg.Store.Token,
		BaseURL:           cfg.Store.APIBaseURL,
		Branch:            cfg.Store.Branch,
		CommitMessage:     cfg.Journal.CommitMessage,
		RequestsPerSecond: cfg.Store.RequestsPerSecond,
		Timeout:           cfg.Store.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open document store %s: %w", redactDSN(cfg.Store.DSN), err)
	}
	return store, nil
}

func backoffFrom(cfg config.Config) relayjournal.Backoff {
	return relayjournal.Backoff{BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay}
}

func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
