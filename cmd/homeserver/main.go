// Command homeserver is the process entrypoint: it loads a YAML config,
// wires every internal component into a running federation server, and
// also exposes the signing-key export/import maintenance operations
// named in spec.md §6, which never need the rest of the server running.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arborhs/homeserver/internal/authchain"
	"github.com/arborhs/homeserver/internal/blocking"
	"github.com/arborhs/homeserver/internal/config"
	"github.com/arborhs/homeserver/internal/eventinput"
	"github.com/arborhs/homeserver/internal/federationapi/routing"
	"github.com/arborhs/homeserver/internal/federationclient"
	"github.com/arborhs/homeserver/internal/keystore"
	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/internal/outlier"
	"github.com/arborhs/homeserver/internal/process"
	"github.com/arborhs/homeserver/internal/ratelimit"
	"github.com/arborhs/homeserver/internal/roomversion"
	"github.com/arborhs/homeserver/internal/sending"
	"github.com/arborhs/homeserver/internal/shortid"
	"github.com/arborhs/homeserver/internal/statecompressor"
	"github.com/arborhs/homeserver/internal/timeline"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "signing-key" {
		if err := runSigningKey(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to the homeserver YAML config")
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "homeserver: -config is required")
		os.Exit(1)
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSigningKey implements the two "signing-key <export-path|import-path>
// <path>" subcommands, both of which only need the local keystore, not a
// running server.
func runSigningKey(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: homeserver signing-key <export-path|import-path> <path> [flags]")
	}
	action, path := args[0], args[1]

	fs := flag.NewFlagSet("signing-key "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "path to the homeserver YAML config")
	addToOld := fs.Bool("add-to-old-public-keys", false, "retire the current key into old_verify_keys before importing")
	timestamp := fs.Int64("timestamp", time.Now().Unix(), "retirement timestamp (unix seconds) recorded for the retired key")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("homeserver: -config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	kv, err := kvstore.Open(string(cfg.Global.DatabasePath))
	if err != nil {
		return err
	}
	defer kv.Close()

	fetcher := &lazyFetcher{}
	keys, err := keystore.New(kv, cfg.Global.ServerName, cfg.Global.TrustedKeyServers, fetcher)
	if err != nil {
		return err
	}

	switch action {
	case "export-path":
		return os.WriteFile(path, []byte(keys.ExportSigningKey()), 0o600)
	case "import-path":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return keys.ImportSigningKey(string(data), *addToOld, (*timestamp)*1000)
	default:
		return fmt.Errorf("homeserver: unknown signing-key action %q", action)
	}
}

// lazyFetcher resolves the construction cycle between Keystore (which
// needs a KeyFetcher) and federationclient.Client (which needs the
// Keystore to sign outgoing requests): it is handed to keystore.New
// first as an empty shell, then pointed at the real client once built.
type lazyFetcher struct {
	client *federationclient.Client
}

func (f *lazyFetcher) FetchServerKeys(ctx context.Context, server string) (map[string]keystore.VerifyKey, error) {
	if f.client == nil {
		return nil, fmt.Errorf("homeserver: federation client not yet wired")
	}
	return f.client.FetchServerKeys(ctx, server)
}

func (f *lazyFetcher) NotaryQuery(ctx context.Context, notary, target string, keyIDs []string) (map[string]keystore.VerifyKey, error) {
	if f.client == nil {
		return nil, fmt.Errorf("homeserver: federation client not yet wired")
	}
	return f.client.NotaryQuery(ctx, notary, target, keyIDs)
}

// poolBoundCommitter routes each inbound PDU's CPU-heavy processing
// (state resolution, signature verification) through the bounded worker
// pool, so a transaction carrying many PDUs can't launch unbounded
// concurrent work off the HTTP goroutine handling it.
type poolBoundCommitter struct {
	handler *eventinput.Handler
	pool    *blocking.Pool
}

func (c *poolBoundCommitter) HandleIncomingPDU(ctx context.Context, origin, roomID, eventID string, rawJSON []byte, isTimelineEvent bool) (string, bool, error) {
	var acceptedID string
	var softFailed bool
	err := blocking.Run(ctx, c.pool, func() error {
		var err error
		acceptedID, softFailed, err = c.handler.HandleIncomingPDU(ctx, origin, roomID, eventID, rawJSON, isTimelineEvent)
		return err
	})
	return acceptedID, softFailed, err
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.WithField("server_name", cfg.Global.ServerName).Info("homeserver: starting")

	if cfg.Global.Sentry.Enabled {
		logrus.Info("homeserver: setting up Sentry for crash reporting")
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Global.Sentry.DSN,
			Environment: cfg.Global.Sentry.Environment,
		}); err != nil {
			return fmt.Errorf("homeserver: failed to start Sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
		defer sentry.Recover()
	}

	kv, err := kvstore.Open(string(cfg.Global.DatabasePath))
	if err != nil {
		return err
	}
	defer kv.Close()

	fetcher := &lazyFetcher{}
	keys, err := keystore.New(kv, cfg.Global.ServerName, cfg.Global.TrustedKeyServers, fetcher)
	if err != nil {
		return err
	}
	fedClient := federationclient.New(cfg.Global.ServerName, keys, cfg.FederationAPI.ClientTimeout.Duration(), cfg.FederationAPI.DisableTLSValidation)
	fetcher.client = fedClient

	interner := shortid.New(kv)
	outliers := outlier.New(kv)
	compressor := statecompressor.New(kv)
	metaStore := eventinput.NewEventMetaStore(outliers, interner)
	chains, err := authchain.New(kv, metaStore)
	if err != nil {
		return err
	}
	tl := timeline.New(kv)
	auth := eventinput.NewDefaultAuthChecker(metaStore)
	resolver := eventinput.NewResolver(auth, metaStore, chains)
	rooms := roomversion.New(kv)

	handler := eventinput.NewHandler(
		kv, interner, keys, outliers, compressor, chains, tl, resolver,
		auth, fedClient, nil, rooms,
	)

	sendQueue := sending.NewQueue(kv, fedClient, sending.Config{
		MaxPDUsPerTransaction: cfg.Sending.MaxPDUsPerTransaction,
		MaxEDUsPerTransaction: cfg.Sending.MaxEDUsPerTransaction,
		BackoffBase:           cfg.Sending.BackoffBase.Duration(),
		BackoffMax:            cfg.Sending.BackoffMax.Duration(),
	})
	defer sendQueue.Close()

	pool := blocking.New(cfg.EventInput.BlockingPoolWorkers)
	defer pool.Close()
	committer := &poolBoundCommitter{handler: handler, pool: pool}

	procCtx := process.NewProcessContext()

	limiter := ratelimit.New(cfg.FederationAPI.RateLimiting)
	defer limiter.Close()

	r := mux.NewRouter()
	routing.NewRouter(r, keys, cfg.Global.KeyValidityPeriod.Duration(), committer, rooms, tl, limiter)

	srv := &http.Server{
		Addr:    cfg.FederationAPI.ListenAddress,
		Handler: r,
		BaseContext: func(_ net.Listener) context.Context {
			return procCtx.Context()
		},
	}

	procCtx.ComponentStarted()
	go func() {
		defer procCtx.ComponentFinished()
		logrus.WithField("addr", cfg.FederationAPI.ListenAddress).Info("homeserver: federation API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("homeserver: federation API server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("homeserver: shutdown signal received")
		procCtx.ShutdownDendrite()
	}()

	procCtx.WaitForShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	procCtx.WaitForComponentsToFinish()
	return nil
}
