package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"lanvault/internal/accounts"
	"lanvault/internal/browse"
	"lanvault/internal/chunkstore"
	"lanvault/internal/config"
	"lanvault/internal/httpserver"
	"lanvault/internal/retrieve"
	"lanvault/internal/upload"
	"lanvault/pkg/logging"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	cfgPath := flag.String("config", "", "path to lanvault.yaml|json|toml (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Debug)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("lanvault stopped")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("mkdir state: %w", err)
	}

	store, err := openChunkStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	accts, err := accounts.Open(cfg.StateDir, cfg.AllowedDirectories)
	if err != nil {
		return err
	}
	if !accts.HasAdmin() {
		log.Warn("no administrator configured yet: POST /api/setup to create one")
	}
	ret, err := retrieve.New(cfg.StateDir, log)
	if err != nil {
		return err
	}
	uploads := upload.New(store, log)

	stopSweep := chunkstore.StartSweeper(store, cfg.ChunkTTL, cfg.SweepInterval, log, func() {
		if n := uploads.Forget(cfg.ChunkTTL); n > 0 {
			log.WithField("records", n).Debug("forgot idle uploads")
		}
	})
	defer stopSweep()

	srv := httpserver.New(httpserver.Options{
		Accounts:      accts,
		Uploads:       uploads,
		Browse:        browse.New(log),
		Retrieve:      ret,
		Log:           log,
		MaxChunkBytes: cfg.MaxChunkBytes,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	var mgr *autocert.Manager
	if cfg.TLSEnabled() {
		mgr = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(filepath.Join(cfg.StateDir, "certs")),
			HostPolicy: autocert.HostWhitelist(cfg.AutoTLS.Hosts...),
			Email:      cfg.AutoTLS.Email,
		}
		servers[0].TLSConfig = mgr.TLSConfig()
		// ACME http-01 challenges; everything else is redirected to https
		servers = append(servers, &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, hs := range servers {
		g.Go(func() error {
			var err error
			if i == 0 && mgr != nil {
				err = hs.ListenAndServeTLS("", "")
			} else {
				err = hs.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, hs := range servers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("shutdown")
			}
		}
		return nil
	})

	log.WithFields(logrus.Fields{
		"addr":    cfg.Addr,
		"state":   cfg.StateDir,
		"backend": cfg.ChunkBackend,
		"tls":     cfg.TLSEnabled(),
		"config":  cfg.File,
	}).Info("lanvault listening")
	log.Infof("webdav endpoint: /dav/<allowed directory>/")

	return g.Wait()
}

func openChunkStore(cfg *config.Config) (chunkstore.Store, error) {
	switch cfg.ChunkBackend {
	case "badger":
		db, err := chunkstore.OpenBadger(cfg.StateDir, chunkstore.BadgerOptions{Compress: cfg.ChunkCompression})
		if err != nil {
			return nil, fmt.Errorf("open badger chunk store: %w", err)
		}
		return db, nil
	default:
		fs, err := chunkstore.NewFS(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open chunk store: %w", err)
		}
		return fs, nil
	}
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: lanvault passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}
