package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pericia/internal/blob"
	"pericia/internal/config"
	"pericia/internal/core"
	"pericia/internal/remote"
	"pericia/internal/snapshot"
	"pericia/pkg/logger"
)

// app holds what every command needs: the configured store and its
// observability plumbing. The blob store is opened lazily.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *core.Store
	bridge   *snapshot.Bridge
	stderr   io.Writer

	blobs blob.Store
}

func openApp(ctx context.Context, configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	store, err := core.OpenPersistentStore(ctx, cfg.Backend(), core.WithLogger(log), core.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	log.Info("store ready", "driver", cfg.Storage.Driver, "schema_version", store.Version())
	return &app{
		cfg:      cfg,
		logger:   log,
		registry: reg,
		store:    store,
		bridge:   snapshot.NewBridge(store),
		stderr:   stderr,
	}, nil
}

func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	bs, err := blob.Open(ctx, a.cfg.BlobStore())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.blobs = bs
	return bs, nil
}

func (a *app) remoteClient() (*remote.Client, error) {
	if a.cfg.Sync.RemoteURL == "" {
		return nil, errors.New("no record service configured (sync.remote_url)")
	}
	var opts []remote.Option
	if a.cfg.Sync.RemoteToken != "" {
		opts = append(opts, remote.WithToken(a.cfg.Sync.RemoteToken))
	}
	client, err := remote.New(a.cfg.Sync.RemoteURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote client: %w", err)
	}
	return client, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
