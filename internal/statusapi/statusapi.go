// Package statusapi serves a read-only JSON view of the receiver, the host
// transfer and the message trace.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/host"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/spota"
	"github.com/srg/spotar/internal/trace"
)

// Snapshot is the receiver state reported by GET /v1/spota.
type Snapshot struct {
	State        string `json:"state"`
	BaseHandle   uint16 `json:"base_handle"`
	Bound        bool   `json:"bound"`
	ConnIndex    uint8  `json:"conn_index,omitempty"`
	PendingChunk bool   `json:"pending_chunk"`
}

// Sources supplies the data behind the endpoints. Nil fields are reported
// as unavailable.
type Sources struct {
	Receiver func(ctx context.Context) (Snapshot, error)
	Host     *host.Host
	Trace    *trace.Recorder
	Kernel   *kernel.Kernel
}

type handlers struct {
	src     Sources
	started time.Time
}

// NewRouter builds the status API router.
func NewRouter(src Sources) http.Handler {
	h := &handlers{src: src, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", h.health)
	r.Route("/v1/spota", func(r chi.Router) {
		r.Get("/", h.receiver)
		r.Get("/transfer", h.transfer)
		r.Get("/trace", h.trace)
	})
	return r
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handlers) receiver(w http.ResponseWriter, r *http.Request) {
	if h.src.Receiver == nil {
		errorResponse(w, http.StatusServiceUnavailable, "receiver not available")
		return
	}
	snap, err := h.src.Receiver(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kernel.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		errorResponse(w, status, err.Error())
		return
	}
	out := map[string]interface{}{"receiver": snap}
	if h.src.Kernel != nil {
		out["kernel"] = h.src.Kernel.Stats()
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handlers) transfer(w http.ResponseWriter, _ *http.Request) {
	if h.src.Host == nil {
		errorResponse(w, http.StatusServiceUnavailable, "host not available")
		return
	}
	jsonResponse(w, http.StatusOK, h.src.Host.Stats())
}

func (h *handlers) trace(w http.ResponseWriter, r *http.Request) {
	if h.src.Trace == nil {
		errorResponse(w, http.StatusServiceUnavailable, "trace not enabled")
		return
	}
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			errorResponse(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"stats":  h.src.Trace.Stats(),
		"events": h.src.Trace.Recent(n),
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ReceiverSource snapshots r on the kernel goroutine.
func ReceiverSource(k *kernel.Kernel, r *spota.Receiver) func(ctx context.Context) (Snapshot, error) {
	return func(ctx context.Context) (Snapshot, error) {
		var snap Snapshot
		err := k.Do(ctx, func() {
			idx, bound := r.Bound()
			snap = Snapshot{
				State:        r.State().String(),
				BaseHandle:   uint16(r.BaseHandle()),
				Bound:        bound,
				PendingChunk: r.PendingChunk(),
			}
			if bound {
				snap.ConnIndex = uint8(idx)
			}
		})
		return snap, err
	}
}
