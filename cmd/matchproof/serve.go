package main

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/provenplay/matchproof/pkg/api"
	"github.com/provenplay/matchproof/pkg/archive"
	"github.com/provenplay/matchproof/pkg/batch"
	"github.com/provenplay/matchproof/pkg/config"
	"github.com/provenplay/matchproof/pkg/coordinator"
	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/fanout"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/observability"
	"github.com/provenplay/matchproof/pkg/policy"
	"github.com/provenplay/matchproof/pkg/rules"
	"github.com/provenplay/matchproof/pkg/storage"
	"github.com/provenplay/matchproof/pkg/verify"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 10 * time.Second

// runServeCmd wires the full node from the environment and the optional
// tuning profile, then serves until SIGINT or SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = configuration or startup error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		portFlag    string
		profileFlag string
	)
	cmd.StringVar(&portFlag, "port", "", "Listen port (overrides PORT)")
	cmd.StringVar(&profileFlag, "profile", "", "Tuning profile name (overrides PROFILE)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if portFlag != "" {
		cfg.Port = portFlag
	}
	if profileFlag != "" {
		cfg.Profile = profileFlag
	}

	configureLogging(cfg.LogLevel, stderr)
	log := slog.Default().With("component", "serve")

	prof, err := cfg.ResolveProfile()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid port %q\n", cfg.Port)
		return 2
	}

	ctx := context.Background()

	store, err := storage.Open(cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open storage: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()
	log.Info("storage ready", "driver", cfg.StorageDriver)

	keyring, err := loadKeyring(cfg.MasterSeed, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	// The simulated chain stands in for the real endpoint; the throttle
	// keeps the settlement pipeline inside a transaction budget either way.
	var chain ledger.Ledger = ledger.NewMemory(ledger.MemoryConfig{
		ConfirmLatency: prof.Ledger.ConfirmLatency(),
	})
	if prof.Ledger.SubmitRate > 0 {
		chain = ledger.NewThrottled(chain, prof.Ledger.SubmitRate, prof.Ledger.SubmitBurst)
		log.Info("chain throttle enabled",
			"tps", prof.Ledger.SubmitRate, "burst", prof.Ledger.SubmitBurst)
	}

	var arch archive.Archive
	if cfg.ArchiveProvider != "" && cfg.ArchiveProvider != "none" {
		arch, err = archive.New(ctx, archive.Config{
			Provider: cfg.ArchiveProvider,
			Dir:      cfg.ArchiveDir,
			Bucket:   cfg.ArchiveBucket,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open archive: %v\n", err)
			return 2
		}
		log.Info("archive ready", "provider", cfg.ArchiveProvider)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init observability: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(ctx) }()
	timeline := observability.NewTimeline()

	sink, closeSink, err := buildSink(cfg.RedisURL, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeSink()

	expr := prof.Policy.HighValue
	if expr == "" {
		expr = policy.DefaultHighValue
	}
	highValue, err := policy.New(expr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: compile high-value policy: %v\n", err)
		return 2
	}

	batches := batch.NewManager(batch.Config{
		MaxSize:     prof.Batch.MaxSize,
		MaxWait:     prof.Batch.MaxWait(),
		MaxAttempts: prof.Batch.MaxAttempts,
	}, store, chain,
		batch.WithObservability(obs),
		batch.WithAlert(func(m *batch.Manifest, err error) {
			log.Error("batch exhausted anchor retries",
				"batch_id", m.BatchID, "attempts", m.Attempts, "error", err)
		}),
	)
	defer func() { _ = batches.Close() }()
	if err := batches.Recover(ctx); err != nil {
		log.Warn("batch recovery failed, pending manifests stay unanchored", "error", err)
	}

	games := rules.NewRegistry()
	svc, err := coordinator.NewService(coordinator.Config{
		ReconcileEvery:  prof.Coordinator.ReconcileEvery,
		CheckpointEvery: prof.Coordinator.CheckpointEvery,
		TxTimeout:       prof.Coordinator.TxTimeout(),
	}, coordinator.Deps{
		Chain:         chain,
		Store:         store,
		Keyring:       keyring,
		Games:         games,
		Archive:       arch,
		Batches:       batches,
		Policy:        highValue,
		Sink:          sink,
		Observability: obs,
		Timeline:      timeline,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init coordinator: %v\n", err)
		return 2
	}
	defer func() { _ = svc.Close() }()

	srv, err := api.New(api.Config{Port: port}, api.Deps{
		Matches:  svc,
		Batches:  batches,
		Verifier: verify.New(chain, games),
		Timeline: timeline,
		SLO:      obs.SLO(),
		Games:    games,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init api: %v\n", err)
		return 2
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	_, _ = fmt.Fprintf(stdout, "matchproof %s serving on :%d (profile %s)\n",
		version, port, prof.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown", "error", err)
	}
	return 0
}

// configureLogging installs the process-wide slog handler at the
// configured level.
func configureLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// loadKeyring builds the session-key keyring from the configured master
// seed. Without one, a random ephemeral seed is generated: fine for
// development, but session keys cannot be re-derived after a restart.
func loadKeyring(seedHex string, log *slog.Logger) (*crypto.Keyring, error) {
	if seedHex == "" {
		seed := make([]byte, 32)
		if _, err := crand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate ephemeral seed: %w", err)
		}
		log.Warn("MASTER_SEED not set, using an ephemeral keyring")
		return crypto.NewKeyringFromSeed(seed)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode MASTER_SEED: %w", err)
	}
	return crypto.NewKeyringFromSeed(seed)
}

// buildSink picks the spectator fan-out: Redis pub/sub when configured,
// otherwise the in-process hub.
func buildSink(redisURL string, log *slog.Logger) (fanout.Sink, func(), error) {
	if redisURL == "" {
		hub := fanout.NewHub()
		return hub, hub.Close, nil
	}
	pub, err := fanout.NewRedisPublisherFromURL(redisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("redis fan-out enabled")
	return pub, func() { _ = pub.Close() }, nil
}
