package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"example.com/codetime/internal/domain"
)

// EventHeartbeatsImported is the event type carried by bulk import batches,
// e.g. a Wakapi export replayed through Kafka.
const EventHeartbeatsImported = "heartbeats.imported"

// HeartbeatStore is the write side of the heartbeat store.
type HeartbeatStore interface {
	InsertBatch(ctx context.Context, hbs []domain.Heartbeat) (int, error)
}

// DimensionResolver stamps dimension entity IDs onto heartbeat batches.
type DimensionResolver interface {
	BatchApply(ctx context.Context, hbs []domain.Heartbeat) []domain.Heartbeat
}

// Invalidator drops cached aggregation results after writes.
type Invalidator interface {
	InvalidateUser(userID string)
}

// importPayload is the wire shape of an import batch. Field names follow the
// editor-plugin convention so exported archives can be replayed untouched.
type importPayload struct {
	Heartbeats []importRecord `json:"heartbeats"`
}

type importRecord struct {
	Entity          string  `json:"entity"`
	Type            string  `json:"type"`
	Category        string  `json:"category"`
	Project         string  `json:"project"`
	Branch          string  `json:"branch"`
	Language        string  `json:"language"`
	Editor          string  `json:"editor"`
	OperatingSystem string  `json:"operating_system"`
	Machine         string  `json:"machine"`
	UserAgent       string  `json:"user_agent"`
	IsWrite         bool    `json:"is_write"`
	Time            float64 `json:"time"`
}

// IngestHandler lands import batches: it deduplicates within the batch,
// resolves dimension entities, inserts idempotently, and invalidates the
// user's cached aggregates.
type IngestHandler struct {
	store       HeartbeatStore
	resolver    DimensionResolver
	invalidator Invalidator
	logger      *log.Logger
}

// IngestOption configures optional handler behaviour.
type IngestOption func(*IngestHandler)

// WithIngestLogger overrides the handler's logger.
func WithIngestLogger(logger *log.Logger) IngestOption {
	return func(h *IngestHandler) {
		h.logger = logger
	}
}

// NewIngestHandler constructs an IngestHandler.
func NewIngestHandler(store HeartbeatStore, resolver DimensionResolver, invalidator Invalidator, opts ...IngestOption) *IngestHandler {
	h := &IngestHandler{
		store:       store,
		resolver:    resolver,
		invalidator: invalidator,
		logger:      log.New(log.Writer(), "[ingest] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one import message. Unknown event types are skipped so
// the processor commits past them.
func (h *IngestHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != EventHeartbeatsImported {
		h.logger.Printf("skipping event_type=%s (topic=%s, offset=%d)", msg.EventType, msg.Topic, msg.Offset)
		return nil
	}
	if msg.UserID == "" {
		return fmt.Errorf("import batch without user_id header (topic=%s, offset=%d)", msg.Topic, msg.Offset)
	}

	var payload importPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("decode import payload: %w", err)
	}
	if len(payload.Heartbeats) == 0 {
		return nil
	}

	hbs := make([]domain.Heartbeat, 0, len(payload.Heartbeats))
	for _, rec := range payload.Heartbeats {
		hb := domain.Heartbeat{
			UserID:          msg.UserID,
			Time:            rec.Time,
			Entity:          rec.Entity,
			Type:            rec.Type,
			Category:        rec.Category,
			Project:         rec.Project,
			Branch:          rec.Branch,
			Language:        rec.Language,
			Editor:          rec.Editor,
			OperatingSystem: rec.OperatingSystem,
			Machine:         rec.Machine,
			UserAgent:       rec.UserAgent,
			IsWrite:         rec.IsWrite,
			SourceType:      domain.SourceWakapiImport,
		}
		if err := hb.Normalize(); err != nil {
			return fmt.Errorf("record for entity %q: %w", rec.Entity, err)
		}
		hbs = append(hbs, hb)
	}

	deduped := dedupeByFieldsHash(hbs)
	if dropped := len(hbs) - len(deduped); dropped > 0 {
		h.logger.Printf("dropped %d in-batch duplicates (user=%s)", dropped, msg.UserID)
	}

	deduped = h.resolver.BatchApply(ctx, deduped)

	inserted, err := h.store.InsertBatch(ctx, deduped)
	if err != nil {
		return fmt.Errorf("persist import batch: %w", err)
	}
	recordImported(inserted, len(deduped)-inserted)

	if inserted > 0 {
		h.invalidator.InvalidateUser(msg.UserID)
	}
	return nil
}

// dedupeByFieldsHash keeps the last occurrence of each identity within a
// batch, preserving first-seen order.
func dedupeByFieldsHash(hbs []domain.Heartbeat) []domain.Heartbeat {
	index := make(map[string]int, len(hbs))
	out := make([]domain.Heartbeat, 0, len(hbs))
	for _, hb := range hbs {
		hash := hb.ComputeFieldsHash()
		hb.FieldsHash = hash
		if at, seen := index[hash]; seen {
			out[at] = hb
			continue
		}
		index[hash] = len(out)
		out = append(out, hb)
	}
	return out
}
