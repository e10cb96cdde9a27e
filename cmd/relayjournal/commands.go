package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayjournal/internal/docstore"
	"github.com/agentworkforce/relayjournal/internal/journal"
	"github.com/agentworkforce/relayjournal/internal/mirror"
	"github.com/agentworkforce/relayjournal/internal/relayjournal"
	"github.com/agentworkforce/relayjournal/internal/transport"
)

func (a *app) appendCommand() *cobra.Command {
	var at, sender string
	cmd := &cobra.Command{
		Use:   "append <text>...",
		Short: "Journal one entry directly, bypassing the transports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			timestamp := time.Now().UTC()
			if strings.TrimSpace(at) != "" {
				if timestamp, err = transport.ParseTimestamp(at); err != nil {
					return err
				}
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = docstore.Close(store) }()
			location, err := cfg.Location()
			if err != nil {
				return err
			}
			publisher, err := relayjournal.NewPublisher(relayjournal.PublisherOptions{
				Store:        store,
				Queue:        relayjournal.NewInMemoryQueue(1),
				Acknowledger: relayjournal.NoopAcknowledger,
				Location:     location,
				Backoff:      backoffFrom(cfg),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			msg := relayjournal.NewPendingMessage(
				relayjournal.SourceRef{Transport: cliTransport, Message: "append"},
				sender,
				strings.Join(args, " "),
				timestamp,
			)
			if err := msg.Validate(); err != nil {
				return err
			}
			event, err := publisher.Process(cmd.Context(), msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (version %s)\n", event.Path, event.Line, event.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "entry time, RFC 3339 or unix seconds (default now)")
	cmd.Flags().StringVar(&sender, "sender", "", "sender recorded on the message")
	return cmd
}

func (a *app) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <YYYY-MM>",
		Short: "Print the journal document for a month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := time.Parse("2006-01", strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("month must look like 2024-04: %w", err)
			}
			cfg, _, err := a.load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = docstore.Close(store) }()

			path := journal.DocumentPath(month)
			doc, found, err := store.Read(cmd.Context(), path)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no journal at %s", path)
			}
			body, err := journal.DecodeContent(doc.Content, doc.Encoding)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), body)
			return nil
		},
	}
}

func (a *app) mirrorCommand() *cobra.Command {
	var (
		dir      string
		once     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Keep a read-only local copy of the journal documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Mirror.Dir
			}
			if dir == "" {
				return errors.New("mirror directory is required (--dir or mirror.dir)")
			}
			if !cmd.Flags().Changed("interval") {
				interval = cfg.Mirror.Interval
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = docstore.Close(store) }()

			m, err := mirror.New(store, mirror.Options{
				LocalRoot:      dir,
				IntervalJitter: cfg.Mirror.Jitter,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			if once {
				result, err := m.SyncOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "written=%d unchanged=%d removed=%d skipped=%d\n",
					result.Written, result.Unchanged, result.Removed, result.Skipped)
				return nil
			}
			return m.Run(cmd.Context(), interval, nil)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "local directory (default mirror.dir)")
	cmd.Flags().BoolVar(&once, "once", false, "sync once and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between syncs (default mirror.interval)")
	return cmd
}

func (a *app) checkConfigCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then summarize it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				redacted := cfg
				redacted.Store.Token = redactSecret(redacted.Store.Token)
				redacted.Store.DSN = redactDSN(redacted.Store.DSN)
				redacted.Queue.DSN = redactDSN(redacted.Queue.DSN)
				redacted.HTTP.JWTSecret = redactSecret(redacted.HTTP.JWTSecret)
				redacted.Telegram.Token = redactSecret(redacted.Telegram.Token)
				redacted.RabbitMQ.URL = redactDSN(redacted.RabbitMQ.URL)
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(redacted)
			}
			transports := cfg.Transports()
			if len(transports) == 0 {
				transports = []string{"none"}
			}
			fmt.Fprintln(out, "config ok")
			fmt.Fprintf(out, "store: %s\n", redactDSN(cfg.Store.DSN))
			fmt.Fprintf(out, "queue: %s (capacity %d)\n", redactDSN(cfg.Queue.DSN), cfg.Queue.Capacity)
			fmt.Fprintf(out, "timezone: %s\n", cfg.Journal.Timezone)
			fmt.Fprintf(out, "transports: %s\n", strings.Join(transports, ", "))
			if cfg.Mirror.Enabled {
				fmt.Fprintf(out, "mirror: %s every %s\n", cfg.Mirror.Dir, cfg.Mirror.Interval)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the effective config as JSON with secrets redacted")
	return cmd
}

func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "xxxxx"
}
