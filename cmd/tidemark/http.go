package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/outbox"
	"go-tidemark/pkg/processor"
	"go-tidemark/pkg/view"
)

// newManagementHandler exposes health, delivery stats, a bounded event
// query, and the pause/resume/reset/status operations of the workers.
func newManagementHandler(pool *pgxpool.Pool, store dcb.EventStore, ow *outbox.Worker, vw *view.Worker, stats *outbox.StatsPublisher) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		head, err := processor.HeadPosition(r.Context(), pool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := map[string]any{"head_position": head}
		if stats != nil {
			out["deliveries"] = stats.Snapshot()
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		query := dcb.NewQueryEmpty()
		if t := r.URL.Query().Get("type"); t != "" {
			query = dcb.NewQuery(nil, t)
		}
		// "after" uses the cursor's txid/position rendering.
		var after *dcb.Cursor
		if p := r.URL.Query().Get("after"); p != "" {
			txidStr, posStr, ok := strings.Cut(p, "/")
			txid, terr := strconv.ParseUint(txidStr, 10, 64)
			pos, perr := strconv.ParseInt(posStr, 10, 64)
			if !ok || terr != nil || perr != nil {
				http.Error(w, "after must be txid/position", http.StatusBadRequest)
				return
			}
			after = &dcb.Cursor{TransactionID: txid, Position: pos}
		}
		events, err := store.Query(r.Context(), query, after)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(events) > 100 {
			events = events[:100]
		}
		writeJSON(w, events)
	})

	mux.HandleFunc("GET /processors/{processor}", func(w http.ResponseWriter, r *http.Request) {
		rows, err := processor.ListProgress(r.Context(), pool, r.PathValue("processor"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	})

	mux.HandleFunc("POST /processors/{processor}/{action}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("processor")
		action := r.PathValue("action")
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key parameter", http.StatusBadRequest)
			return
		}

		var err error
		switch {
		case name == outbox.ProcessorName && ow != nil:
			topic, publisher, ok := strings.Cut(key, "/")
			if !ok {
				http.Error(w, "outbox key must be topic/publisher", http.StatusBadRequest)
				return
			}
			switch action {
			case "pause":
				err = ow.Pause(r.Context(), topic, publisher)
			case "resume":
				err = ow.Resume(r.Context(), topic, publisher)
			case "reset":
				err = ow.Reset(r.Context(), topic, publisher)
			default:
				http.Error(w, "unknown action", http.StatusNotFound)
				return
			}
		case name == view.ProcessorName && vw != nil:
			switch action {
			case "pause":
				err = vw.Pause(r.Context(), key)
			case "resume":
				err = vw.Resume(r.Context(), key)
			case "reset":
				err = vw.Reset(r.Context(), key)
			default:
				http.Error(w, "unknown action", http.StatusNotFound)
				return
			}
		default:
			http.Error(w, "unknown processor", http.StatusNotFound)
			return
		}

		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, processor.ErrSubscriptionNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
