// Command snapshot-sync keeps a local plaintext copy of a remote
// encrypted data snapshot, refreshing it only when the cached copy has
// gone stale and the remote ciphertext has actually changed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"github.com/wolfeidau/snapshot-sync/fetch"
	"github.com/wolfeidau/snapshot-sync/journal"
	"github.com/wolfeidau/snapshot-sync/keys"
	"github.com/wolfeidau/snapshot-sync/refresh"
	"github.com/wolfeidau/snapshot-sync/securedata"
	"github.com/wolfeidau/snapshot-sync/securefile"
	"github.com/wolfeidau/snapshot-sync/store"
	"github.com/wolfeidau/snapshot-sync/telemetry"
)

var version = "dev"

type keyFlags struct {
	EncryptionKey string `env:"ENCRYPTION_KEY_B64" help:"Base64-encoded 32-byte AES key." hidden:""`
	HMACKey       string `env:"HMAC_KEY_B64" help:"Base64-encoded 32-byte HMAC key." hidden:""`
}

// sealerFunc defers key validation until the pipeline actually needs
// the keys: a fresh cache must succeed even with broken key material.
func (k keyFlags) sealerFunc() refresh.SealerFunc {
	return func() (snapshotsync.Sealer, error) {
		material, err := keys.Load("ENCRYPTION_KEY_B64", k.EncryptionKey, "HMAC_KEY_B64", k.HMACKey)
		if err != nil {
			return nil, err
		}
		return securedata.New(material)
	}
}

type refreshCmd struct {
	keyFlags

	SourceURL    string        `name:"source-url" required:"" help:"URL of the remote encrypted snapshot."`
	Dir          string        `default:"./data" help:"Directory holding the snapshot and its metadata."`
	SnapshotFile string        `default:"snapshot.json" help:"Snapshot file name."`
	MetadataFile string        `default:"snapshot_metadata.json" help:"Metadata sidecar file name."`
	MaxAge       time.Duration `default:"24h" help:"Snapshot age beyond which a refresh is attempted."`
	Force        bool          `help:"Refresh regardless of snapshot age."`
	MaxRetries   int           `default:"3" help:"Fetch attempts before giving up."`
	RetryDelay   time.Duration `default:"2s" help:"Initial delay between fetch attempts, doubled each retry."`
	Timeout      time.Duration `default:"30s" help:"HTTP request timeout."`
	JournalPath  string        `help:"Optional bbolt file recording run history."`
	Metrics      bool          `help:"Emit OpenTelemetry metrics to stderr on exit."`
}

func (c *refreshCmd) Run(ctx context.Context, logger *slog.Logger) error {
	if c.Metrics {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:    "snapshot-sync",
			ServiceVersion: version,
			Writer:         os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	st, err := store.New(c.Dir, c.SnapshotFile, c.MetadataFile)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	cfg := refresh.Config{
		SourceURL: c.SourceURL,
		MaxAge:    c.MaxAge,
		Logger:    logger,
	}

	if c.JournalPath != "" {
		j, err := journal.Open(c.JournalPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer func() { _ = j.Close() }()
		cfg.Journal = j
	}

	fetcher := fetch.New(
		fetch.WithMaxRetries(c.MaxRetries),
		fetch.WithInitialDelay(c.RetryDelay),
		fetch.WithHTTPClient(&http.Client{Timeout: c.Timeout}),
		fetch.WithLogger(logger),
	)

	r := refresh.New(cfg, st, fetcher, c.sealerFunc())

	result, err := r.Run(ctx, c.Force)
	if err != nil {
		return err
	}

	logger.Info("done",
		"outcome", result.Outcome.String(),
		"path", result.SnapshotPath,
	)
	return nil
}

type sealCmd struct {
	keyFlags

	Input  string `arg:"" type:"existingfile" help:"Plaintext JSON file to seal."`
	Output string `arg:"" help:"Destination envelope file."`
}

func (c *sealCmd) Run(ctx context.Context, logger *slog.Logger) error {
	sealer, err := c.sealerFunc()()
	if err != nil {
		return err
	}

	data, err := securefile.Load(c.Input, nil)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Input, err)
	}

	if err := securefile.Save(c.Output, data, sealer, true); err != nil {
		return fmt.Errorf("writing %s: %w", c.Output, err)
	}

	logger.Info("sealed", "input", c.Input, "output", c.Output)
	return nil
}

type runsCmd struct {
	JournalPath string `arg:"" type:"existingfile" help:"bbolt journal file."`
	Limit       int    `default:"20" help:"Maximum number of runs to show."`
}

func (c *runsCmd) Run(ctx context.Context, logger *slog.Logger) error {
	j, err := journal.Open(c.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = j.Close() }()

	entries, err := j.List(ctx, c.Limit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-16s  %s", e.StartedAt.Format(time.RFC3339), e.Outcome, e.SourceURL)
		if !e.DataHash.IsZero() {
			line += "  " + e.DataHash.ShortString()
		}
		if e.Error != "" {
			line += "  (" + e.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

var cli struct {
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)."`
	LogFormat string `default:"text" enum:"text,json" help:"Log format (text, json)."`

	Refresh refreshCmd `cmd:"" default:"withargs" help:"Fetch, decrypt and persist the remote snapshot."`
	Seal    sealCmd    `cmd:"" help:"Encrypt a plaintext JSON file into an envelope."`
	Runs    runsCmd    `cmd:"" help:"Show recent runs from the journal."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("snapshot-sync"),
		kong.Description("Synchronise a local plaintext snapshot of a remote encrypted data feed."),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(logger)

	if err := kctx.Run(); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
