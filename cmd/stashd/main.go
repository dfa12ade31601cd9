// Command stashd runs the stash peer-to-peer file server daemon: one QUIC
// listener, one metadata store, one content-addressed blob store, all
// configured from the environment (see internal/config).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"stash/internal/auth"
	"stash/internal/cache"
	"stash/internal/config"
	"stash/internal/content"
	"stash/internal/identity"
	"stash/internal/metastore"
	"stash/internal/session"
	"stash/internal/stashserver"
	"stash/internal/transport"
)

const contentCacheSize = 4096

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("stashd exited")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	secretKey, err := identity.ParseSecretKey(cfg.SecretKeyHex)
	if err != nil {
		return err
	}
	admin, err := identity.ParseNodeID(cfg.AdminHex)
	if err != nil {
		return err
	}
	log.Info().Str("node", secretKey.Public.Short()).Str("admin", admin.Short()).Msg("node identity loaded")

	db, err := metastore.Open(cfg.DatabaseURL, metastore.Options{})
	if err != nil {
		return fmt.Errorf("stashd: open metadata store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := metastore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("stashd: migrate metadata store: %w", err)
	}
	meta := metastore.New(db)

	contentStore, err := content.Open(cfg.Root)
	if err != nil {
		return fmt.Errorf("stashd: open content store: %w", err)
	}

	sess, err := session.Open(cfg.Root + "/session")
	if err != nil {
		return fmt.Errorf("stashd: open session tracker: %w", err)
	}
	defer sess.Close()

	contentCache, err := cache.New(contentCacheSize)
	if err != nil {
		return fmt.Errorf("stashd: build content cache: %w", err)
	}

	authorizer, err := auth.New(ctx, db, admin)
	if err != nil {
		return fmt.Errorf("stashd: load allow-list: %w", err)
	}

	ln, err := transport.Listen(cfg.ListenAddr, secretKey)
	if err != nil {
		return fmt.Errorf("stashd: listen: %w", err)
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	srv := stashserver.New(authorizer, contentStore, meta, contentCache, sess, cfg.GCBlobTTL, log)

	gcCtx, gcCancel := context.WithCancel(ctx)
	defer gcCancel()
	go runGcLoop(gcCtx, srv, cfg, log)

	if err := srv.Serve(ctx, ln); err != nil {
		return fmt.Errorf("stashd: serve: %w", err)
	}
	log.Info().Msg("shutting down")
	return nil
}

// runGcLoop sweeps stale blobs and unreferenced content on a period tied to
// the configured TTL — frequent enough that a TTL'd blob doesn't linger for
// long, without the GC running on every tick of a short TTL set for tests.
func runGcLoop(ctx context.Context, srv *stashserver.Server, cfg config.Config, log zerolog.Logger) {
	interval := cfg.GCBlobTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := srv.RunGC(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("gc sweep failed")
				continue
			}
			log.Info().Str("summary", summary).Msg("gc sweep complete")
		}
	}
}
