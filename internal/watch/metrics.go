// Provides Prometheus metrics of the watcher and the endpoint serving them.

package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/maruel/mcad/internal/delta"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	patchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcad_watch_patches_total",
		Help: "Number of region patches archived",
	})

	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcad_watch_chunks_total",
		Help: "Number of chunks in archived patches by outcome",
	}, []string{"outcome"})

	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcad_watch_errors_total",
		Help: "Number of regions that failed to be diffed or archived",
	})

	patchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcad_watch_patch_bytes",
		Help:    "Encoded size of archived patches",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	})

	diffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcad_watch_diff_duration_seconds",
		Help:    "Duration of reading, diffing and archiving one region",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

func recordPatch(st delta.Stats, size int) {
	patchesTotal.Inc()
	chunksTotal.WithLabelValues("changed").Add(float64(st.Changed))
	chunksTotal.WithLabelValues("created").Add(float64(st.Created))
	chunksTotal.WithLabelValues("removed").Add(float64(st.Removed))
	patchBytes.Observe(float64(size))
}

// ServeMetrics serves /metrics on addr until ctx is canceled.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	slog.InfoContext(ctx, "Serving metrics", "addr", ln.Addr().String())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), ignoreClosed(<-done))
	case err := <-done:
		return ignoreClosed(err)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
