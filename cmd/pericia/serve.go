package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"pericia/internal/casefile"
	"pericia/internal/remote"
	"pericia/internal/reports"
	"pericia/internal/snapshot"
	"pericia/pkg/domain"
)

const maxSnapshotBody = 256 << 20

// newRouter builds the operational HTTP surface. Report routes are mounted
// only when rh is non-nil.
func newRouter(a *app, rh *reports.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, map[string]any{"status": "ok", "schema_version": a.store.Version()})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", func(w http.ResponseWriter, req *http.Request) {
			snap, err := a.bridge.ExportAll(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = snapshot.Encode(w, snap, req.Header.Get("X-Snapshot-Password"))
		})
		r.Post("/snapshot", func(w http.ResponseWriter, req *http.Request) {
			snap, err := snapshot.Decode(http.MaxBytesReader(w, req.Body, maxSnapshotBody), req.Header.Get("X-Snapshot-Password"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			report, err := a.bridge.ImportAll(req.Context(), snap)
			var ie domain.ImportError
			switch {
			case errors.As(err, &ie):
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			case err != nil:
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = writeJSON(w, report)
		})
	})
	if rh != nil {
		r.Handle(reports.BasePath, rh)
		r.Handle(reports.BasePath+"/*", rh)
	}
	return r
}

func runServe(ctx context.Context, a *app, args []string, _ io.Writer) error {
	fs := a.flags("serve")
	addr := fs.String("addr", a.cfg.HTTP.Addr, "listen address for ops endpoints")
	if err := fs.Parse(args); err != nil {
		return err
	}

	blobs, err := a.blobStore(ctx)
	if err != nil {
		return err
	}
	worker := reports.NewWorker(casefile.NewRepository(a.store), blobs)
	worker.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Stop(stopCtx)
	}()

	var client *remote.Client
	if a.cfg.Sync.RemoteURL != "" {
		if client, err = a.remoteClient(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{Addr: *addr, Handler: newRouter(a, reports.NewHandler(worker, blobs)), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		a.logger.Info("ops endpoints listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if dir := a.cfg.Sync.InboxDir; dir != "" {
		g.Go(func() error { return a.bridge.Watch(ctx, dir, a.cfg.Sync.BackupPassword) })
	}
	if a.cfg.Sync.BackupInterval > 0 {
		opts := snapshot.BackupOptions{Password: a.cfg.Sync.BackupPassword, Keep: a.cfg.Sync.BackupKeep}
		g.Go(func() error { return a.bridge.RunBackups(ctx, blobs, a.cfg.Sync.BackupInterval, opts) })
	}
	if client != nil {
		g.Go(func() error { return mirrorLoop(ctx, a, client, a.cfg.Sync.MirrorInterval) })
	}
	return g.Wait()
}

// mirrorLoop pushes changed records every interval. Push failures are
// retried on the next tick.
func mirrorLoop(ctx context.Context, a *app, pusher snapshot.RecordPusher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.bridge.Mirror(ctx, pusher); err != nil && ctx.Err() == nil {
				a.logger.Warn("mirror failed", "error", err)
			}
		}
	}
}
