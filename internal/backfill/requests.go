package backfill

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chartflow/models"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// Request is one tracked backfill attempt for a gap.
type Request struct {
	ID        string
	Gap       models.HistoricalGap
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Err       error
}

// RequestHandler deduplicates gap reports. A gap already pending is
// not re-issued, and a gap completed within the cooldown window is
// treated as already served so repeated integrity checks do not
// hammer the venues.
type RequestHandler struct {
	mu       sync.Mutex
	requests map[string]*Request
	cooldown time.Duration
}

func NewRequestHandler(cooldown time.Duration) *RequestHandler {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &RequestHandler{
		requests: make(map[string]*Request),
		cooldown: cooldown,
	}
}

func gapKey(gap models.HistoricalGap) string {
	return fmt.Sprintf("%s:%d:%d", gap.Instrument.Key(), gap.FromTime, gap.ToTime)
}

// Track registers a gap and returns the request plus whether the
// caller should act on it now.
func (h *RequestHandler) Track(gap models.HistoricalGap) (*Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := gapKey(gap)
	now := time.Now()

	if existing, ok := h.requests[key]; ok {
		switch existing.Status {
		case StatusPending:
			return existing, false
		case StatusCompleted:
			if now.Sub(existing.UpdatedAt) < h.cooldown {
				return existing, false
			}
		}
		existing.Status = StatusPending
		existing.UpdatedAt = now
		existing.Err = nil
		return existing, true
	}

	req := &Request{
		ID:        uuid.New().String(),
		Gap:       gap,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.requests[key] = req
	return req, true
}

func (h *RequestHandler) Complete(gap models.HistoricalGap) {
	h.setStatus(gap, StatusCompleted, nil)
}

func (h *RequestHandler) Fail(gap models.HistoricalGap, err error) {
	h.setStatus(gap, StatusFailed, err)
}

func (h *RequestHandler) setStatus(gap models.HistoricalGap, status RequestStatus, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req, ok := h.requests[gapKey(gap)]; ok {
		req.Status = status
		req.UpdatedAt = time.Now()
		req.Err = cause
	}
}

// Prune drops terminal requests older than the retention window.
func (h *RequestHandler) Prune(retention time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	for key, req := range h.requests {
		if req.Status != StatusPending && req.UpdatedAt.Before(cutoff) {
			delete(h.requests, key)
		}
	}
}

func (h *RequestHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, req := range h.requests {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}
