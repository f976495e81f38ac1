package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"lds.li/authserver/codec"
	"lds.li/authserver/discovery"
	"lds.li/authserver/grant"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/internal/keys"
	"lds.li/authserver/internal/metrics"
	"lds.li/authserver/seed"
	"lds.li/authserver/server"
	"lds.li/authserver/store"
	"lds.li/authserver/store/redisstore"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("listen", "", "Address to listen on")
	f.String("issuer", "", "Issuer URL")
	f.String("keyset-file", "", "Path to the tink signing keyset, generated if missing")
	f.String("seed-file", "", "Path to a file of clients and users to create at startup")
	f.String("storage", "", "Storage backend, memory or redis")
	f.String("log-level", "", "Log level")

	return cmd
}

// flagKeys maps serve flags to config keys.
var flagKeys = map[string]string{
	"listen":      "listen",
	"issuer":      "issuer",
	"keyset-file": "keysetFile",
	"seed-file":   "seedFile",
	"storage":     "storage.backend",
	"log-level":   "logLevel",
}

// loadConfig layers explicitly set flags over the environment and config
// file.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	v, err := config.NewViper(path)
	if err != nil {
		return config.Config{}, err
	}
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return config.Config{}, fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}
	return config.Load(v)
}

// app is the assembled server, ready to serve.
type app struct {
	handler http.Handler
	cfg     config.Config
	close   func() error
}

// newApp opens the store, applies runtime overrides and the seed file, and
// builds the HTTP handler.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	var (
		st      store.Store
		closeFn = func() error { return nil }
	)
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		rs, err := redisstore.New(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		st, closeFn = rs, rs.Close
	default:
		st = store.NewMemStore()
	}
	st = store.WithTimeout(st, cfg.StoreTimeout)

	a, err := buildApp(ctx, cfg, st, logger)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	a.close = closeFn
	return a, nil
}

func buildApp(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger) (*app, error) {
	cfg, err := store.LoadConfig(ctx, st, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config after runtime overrides: %w", err)
	}

	h, err := keys.LoadOrGenerate(logger, cfg.KeysetFile, cfg.SigningAlgorithm)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(h, codec.Options{
		Issuer:                  cfg.Issuer,
		Audience:                cfg.Audience,
		Subject:                 cfg.Subject,
		ExpiryTime:              cfg.ExpiryTime,
		TokenExchangeExpiryTime: cfg.TokenExchangeExpiryTime,
		CreatedTimeAgo:          cfg.CreatedTimeAgo,
		AddNonce:                cfg.AddNonceToAccessToken,
		VerifyIssuer:            cfg.VerifyIssuer,
		VerifyAudience:          cfg.VerifyAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	m := metrics.New()
	engine, err := grant.New(grant.Config{
		Config:  cfg,
		Store:   st,
		Codec:   c,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("creating grant engine: %w", err)
	}

	if cfg.SeedFile != "" {
		sd, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := sd.Apply(ctx, engine.Accounts(), logger); err != nil {
			return nil, err
		}
	}

	disco, err := discovery.NewHandler(discovery.MetadataFromConfig(cfg, server.ClientCreatePath), c, cfg.JWKUse, logger)
	if err != nil {
		return nil, fmt.Errorf("creating discovery handler: %w", err)
	}

	svr, err := server.New(server.Config{
		Config:    cfg,
		Engine:    engine,
		Discovery: disco,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	return &app{handler: svr, cfg: cfg, close: func() error { return nil }}, nil
}

// serve runs the server until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("closing store", "err", err)
		}
	}()

	hs := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", hs.Addr, "issuer", a.cfg.Issuer)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}
