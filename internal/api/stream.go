package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/orchestrator"
	"github.com/drewrad8/foreman/internal/pubsub"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// StreamEvents streams registry events via SSE. An optional ?worker= filter
// narrows the stream to one worker.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	hub := h.registry.Hub()

	var events <-chan pubsub.Event[orchestrator.Event]
	if workerID := r.URL.Query().Get("worker"); workerID != "" {
		if _, err := h.registry.Get(workerID); err != nil {
			h.writeDomainError(w, err)
			return
		}
		events = hub.SubscribeWorker(r.Context(), workerID)
	} else {
		events = hub.Subscribe(r.Context())
	}

	h.streamSSE(w, r, events, nil)
}

// StreamWorkerOutput streams one worker's output via SSE, backfilling from
// durable history when the client supplies ?since_seq=. The backfill and the
// live subscription overlap rather than gap: duplicates are suppressed by seq.
// GET /workers/{id}/stream?since_seq=
func (h *Handler) StreamWorkerOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.Get(id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "since_seq must be a non-negative integer", "since_seq")
			return
		}
		sinceSeq = n
	}

	// Subscribe before reading history so nothing published in between is
	// missed. The flush settles writes still queued behind the history
	// writer so the backfill query sees them.
	events := h.registry.Hub().SubscribeWorker(r.Context(), id)
	h.registry.Store().Flush()

	segments, err := h.registry.Store().SegmentsSince(id, sinceSeq, 0)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "history_failed", "failed to read history", "")
		return
	}

	h.streamSSE(w, r, events, func(w http.ResponseWriter, flush func()) uint64 {
		lastSent := sinceSeq
		for _, seg := range segments {
			payload, err := json.Marshal(orchestrator.Event{
				Type:     orchestrator.EventWorkerOutput,
				WorkerID: seg.WorkerID,
				Seq:      seg.Seq,
				Data:     seg.Data,
				At:       seg.CreatedAt,
			})
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", orchestrator.EventWorkerOutput, payload)
			lastSent = seg.Seq
		}
		flush()
		return lastSent
	})
}

// streamSSE pumps events to the client until it disconnects or the hub drops
// the subscription. backfill, when set, runs after headers and returns the
// highest output seq already delivered; live output events at or below that
// seq are skipped.
func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan pubsub.Event[orchestrator.Event], backfill func(http.ResponseWriter, func()) uint64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", "")
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	var lastSentSeq uint64
	if backfill != nil {
		lastSentSeq = backfill(w, flusher.Flush)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				// Dropped for falling behind, or hub closed.
				_, _ = fmt.Fprintf(w, "event: dropped\ndata: {\"reason\":\"subscriber lagged or hub closed\"}\n\n")
				flusher.Flush()
				return
			}
			payload := ev.Payload
			if payload.Type == orchestrator.EventWorkerOutput && payload.Seq <= lastSentSeq {
				continue
			}

			data, err := json.Marshal(payload)
			if err != nil {
				log.ErrorErr(log.CatAPI, "encoding event failed", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", payload.Type, data)
			flusher.Flush()
		}
	}
}
