// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/adiadia/agent-office/internal/metrics"
	"github.com/adiadia/agent-office/internal/replay"
	"github.com/adiadia/agent-office/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerLastEventID       = "Last-Event-ID"
	defaultStreamPoll       = 500 * time.Millisecond
	defaultStreamKeepAlive  = 15 * time.Second
	defaultReadinessTimeout = 2 * time.Second
)

type Deps struct {
	Stream LifecycleStream
	// Replay and Readiness are optional; replay routes are only mounted
	// when Replay is set.
	Replay    ReplayReader
	Readiness HealthChecker
	Logger    *slog.Logger

	ReplayToken           string
	ReplayRateLimitPerMin int

	// StreamPoll overrides the SSE poll interval, mainly for tests.
	StreamPoll time.Duration

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness != nil {
			ctx, cancel := context.WithTimeout(r.Context(), defaultReadinessTimeout)
			defer cancel()

			if err := deps.Readiness.Check(ctx); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- LIVE OFFICE ----------------

	if deps.Stream != nil {
		r.Route("/api/office", func(office chi.Router) {
			office.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
				snap, ok := deps.Stream.LatestSnapshot()
				if !ok {
					http.Error(w, "snapshot not ready", http.StatusServiceUnavailable)
					return
				}
				writeJSON(w, http.StatusOK, snap)
			})

			office.Get("/stream", streamHandler(deps.Stream, deps.StreamPoll, logger))
		})
	}

	// ---------------- REPLAY ----------------

	if deps.Replay != nil {
		r.Route("/api/replay", func(rp chi.Router) {
			if deps.ReplayRateLimitPerMin > 0 {
				rp.Use(middleware.RateLimit(deps.ReplayRateLimitPerMin, logger))
			}
			rp.Use(middleware.BearerTokenAuth(deps.ReplayToken, logger))

			rp.Get("/index", func(w http.ResponseWriter, r *http.Request) {
				q, err := parseIndexQuery(r)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}

				page, err := deps.Replay.QueryIndex(r.Context(), q)
				if err != nil {
					writeReplayError(w, logger, "query replay index failed", err)
					return
				}
				writeJSON(w, http.StatusOK, page)
			})

			rp.Get("/snapshots/{id}", func(w http.ResponseWriter, r *http.Request) {
				id := strings.TrimSpace(chi.URLParam(r, "id"))
				if id == "" {
					http.Error(w, "invalid snapshot id", http.StatusBadRequest)
					return
				}

				rec, err := deps.Replay.ReadSnapshotByID(r.Context(), id)
				if err != nil {
					writeReplayError(w, logger, "read replay snapshot failed", err, "snapshot_id", id)
					return
				}
				writeJSON(w, http.StatusOK, rec)
			})

			rp.Get("/at", func(w http.ResponseWriter, r *http.Request) {
				ts, err := parseInt64Param(r, "ts")
				if err != nil || ts == nil {
					http.Error(w, "invalid ts", http.StatusBadRequest)
					return
				}

				rec, err := deps.Replay.ReadSnapshotAt(r.Context(), *ts)
				if err != nil {
					writeReplayError(w, logger, "read replay snapshot at failed", err, "ts", *ts)
					return
				}
				writeJSON(w, http.StatusOK, rec)
			})

			rp.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, deps.Replay.Metrics())
			})
		})
	}

	return r
}

// streamHandler serves the lifecycle stream over SSE. The latest snapshot is
// sent on connect and whenever it advances; lifecycle frames follow the
// subscriber's cursor through the bridge backfill.
func streamHandler(stream LifecycleStream, poll time.Duration, logger *slog.Logger) http.HandlerFunc {
	if poll <= 0 {
		poll = defaultStreamPoll
	}

	return func(w http.ResponseWriter, r *http.Request) {
		cursor, err := resolveStreamCursor(r, stream)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		lastGenerated := int64(-1)

		writeUpdates := func() error {
			if snap, ok := stream.LatestSnapshot(); ok && snap.GeneratedAt > lastGenerated {
				payload, err := json.Marshal(snap)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
					return err
				}
				lastGenerated = snap.GeneratedAt
			}

			for _, frame := range stream.Backfill(cursor) {
				payload, err := json.Marshal(frame)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: lifecycle\ndata: %s\n\n", frame.Seq, payload); err != nil {
					return err
				}
				cursor = frame.Seq
			}

			flusher.Flush()
			return nil
		}

		if err := writeUpdates(); err != nil {
			logger.Error("sse initial write failed", "cursor", cursor, "error", err)
			return
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		keepAlive := time.NewTicker(defaultStreamKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if err := writeUpdates(); err != nil {
					logger.Warn("sse write failed", "cursor", cursor, "error", err)
					return
				}
			}
		}
	}
}

var errInvalidCursor = errors.New("invalid cursor")

// resolveStreamCursor prefers Last-Event-ID (set by EventSource on
// reconnect) over ?cursor=. Without either the subscriber starts live.
func resolveStreamCursor(r *http.Request, stream LifecycleStream) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(headerLastEventID))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("cursor"))
	}
	if raw == "" {
		return stream.LastSeq(), nil
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, errInvalidCursor
	}
	return seq, nil
}

func parseIndexQuery(r *http.Request) (replay.IndexQuery, error) {
	values := r.URL.Query()
	q := replay.IndexQuery{
		RunID:   strings.TrimSpace(values.Get("run_id")),
		AgentID: strings.TrimSpace(values.Get("agent_id")),
	}

	var err error
	if q.From, err = parseInt64Param(r, "from"); err != nil {
		return replay.IndexQuery{}, errors.New("invalid from")
	}
	if q.To, err = parseInt64Param(r, "to"); err != nil {
		return replay.IndexQuery{}, errors.New("invalid to")
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return replay.IndexQuery{}, errors.New("invalid limit")
		}
		q.Limit = limit
	}

	return q, nil
}

// parseInt64Param returns nil when the parameter is absent.
func parseInt64Param(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeReplayError(w http.ResponseWriter, logger *slog.Logger, msg string, err error, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrSnapshotNotFound):
		http.Error(w, "snapshot not found", http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		logger.Error(msg, append(attrs, "error", err)...)
		http.Error(w, "failed to read replay history", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
