package dimension

import (
	"context"
	"errors"
	"fmt"
	"log"

	"example.com/codetime/internal/domain"
)

// ErrUnknownKind is returned when a caller asks for a dimension that does
// not exist.
var ErrUnknownKind = errors.New("unknown dimension kind")

// Repository is the storage contract the resolver needs. UpsertKeys must be
// atomic insert-if-absent: concurrent calls for the same (kind, user, key)
// converge on one row, and every requested entry comes back with its ID
// whether it was just inserted or already present.
type Repository interface {
	Get(ctx context.Context, kind Kind, userID, key string) (*Entity, error)
	UpsertKeys(ctx context.Context, kind Kind, entries []Entity) ([]Entity, error)
}

// Policy gates resolution during the dual-write rollout. With Enabled false
// heartbeats keep their raw string fields only and callers must tolerate
// absent dimension IDs.
type Policy struct {
	Enabled bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger overrides the logger used to report partial batch failures.
func WithLogger(logger *log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver turns raw heartbeat strings into dimension entity IDs.
type Resolver struct {
	repo   Repository
	policy Policy
	logger *log.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, policy Policy, opts ...Option) *Resolver {
	r := &Resolver{
		repo:   repo,
		policy: policy,
		logger: log.New(log.Writer(), "[dimension] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether resolution is switched on.
func (r *Resolver) Enabled() bool {
	return r.policy.Enabled
}

// Resolve returns the entity ID for a raw value, creating the entity when it
// is first seen. Blank values resolve to an empty ID without error. Races
// between concurrent creators are absorbed by the repository's upsert and
// never surface to callers.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, raw, userID string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	key, name := Canonicalize(kind, raw)
	if key == "" {
		return "", nil
	}
	if !kind.UserScoped() {
		userID = ""
	} else if userID == "" {
		return "", nil
	}

	if existing, err := r.repo.Get(ctx, kind, userID, key); err == nil && existing != nil {
		return existing.ID, nil
	}

	rows, err := r.repo.UpsertKeys(ctx, kind, []Entity{{Kind: kind, UserID: userID, Key: key, Name: name}})
	if err != nil {
		return "", fmt.Errorf("resolve %s %q: %w", kind, raw, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("resolve %s %q: upsert returned no row", kind, raw)
	}
	return rows[0].ID, nil
}

// Apply resolves every dimension of a single heartbeat in place, skipping
// fields already carrying an ID. A no-op when the policy is disabled.
func (r *Resolver) Apply(ctx context.Context, hb *domain.Heartbeat) error {
	if !r.policy.Enabled {
		return nil
	}
	for _, spec := range fieldSpecs {
		idField := spec.id(hb)
		if *idField != "" {
			continue
		}
		id, err := r.Resolve(ctx, spec.kind, spec.value(hb), hb.UserID)
		if err != nil {
			return err
		}
		*idField = id
	}
	return nil
}

// BatchApply resolves dimensions across many heartbeats with one bulk upsert
// per kind instead of one round trip per heartbeat. Failures are isolated
// per kind: records whose dimension could not be resolved keep their raw
// string field only. The returned slice is the input with IDs populated.
func (r *Resolver) BatchApply(ctx context.Context, hbs []domain.Heartbeat) []domain.Heartbeat {
	if !r.policy.Enabled || len(hbs) == 0 {
		return hbs
	}

	for _, spec := range fieldSpecs {
		lookup := r.batchResolveKind(ctx, spec, hbs)
		if lookup == nil {
			continue
		}
		for i := range hbs {
			idField := spec.id(&hbs[i])
			if *idField != "" {
				continue
			}
			key, _ := Canonicalize(spec.kind, spec.value(&hbs[i]))
			if key == "" {
				continue
			}
			userID := ""
			if spec.kind.UserScoped() {
				userID = hbs[i].UserID
			}
			if id, ok := lookup[scopedKey{userID, key}]; ok {
				*idField = id
			}
		}
	}
	return hbs
}

type scopedKey struct {
	userID string
	key    string
}

func (r *Resolver) batchResolveKind(ctx context.Context, spec fieldSpec, hbs []domain.Heartbeat) map[scopedKey]string {
	distinct := make(map[scopedKey]Entity)
	for i := range hbs {
		if *spec.id(&hbs[i]) != "" {
			continue
		}
		key, name := Canonicalize(spec.kind, spec.value(&hbs[i]))
		if key == "" {
			continue
		}
		userID := ""
		if spec.kind.UserScoped() {
			userID = hbs[i].UserID
			if userID == "" {
				continue
			}
		}
		sk := scopedKey{userID, key}
		if _, seen := distinct[sk]; !seen {
			distinct[sk] = Entity{Kind: spec.kind, UserID: userID, Key: key, Name: name}
		}
	}
	if len(distinct) == 0 {
		return nil
	}

	entries := make([]Entity, 0, len(distinct))
	for _, e := range distinct {
		entries = append(entries, e)
	}

	rows, err := r.repo.UpsertKeys(ctx, spec.kind, entries)
	if err != nil {
		r.logger.Printf("batch resolve failed for kind=%s (%d keys): %v", spec.kind, len(entries), err)
		return nil
	}

	lookup := make(map[scopedKey]string, len(rows))
	for _, row := range rows {
		lookup[scopedKey{row.UserID, row.Key}] = row.ID
	}
	return lookup
}

// fieldSpec binds a dimension kind to its raw value and ID fields on the
// heartbeat.
type fieldSpec struct {
	kind  Kind
	value func(*domain.Heartbeat) string
	id    func(*domain.Heartbeat) *string
}

var fieldSpecs = []fieldSpec{
	{KindLanguage, func(h *domain.Heartbeat) string { return h.Language }, func(h *domain.Heartbeat) *string { return &h.LanguageID }},
	{KindCategory, func(h *domain.Heartbeat) string { return h.Category }, func(h *domain.Heartbeat) *string { return &h.CategoryID }},
	{KindEditor, func(h *domain.Heartbeat) string { return h.Editor }, func(h *domain.Heartbeat) *string { return &h.EditorID }},
	{KindOperatingSystem, func(h *domain.Heartbeat) string { return h.OperatingSystem }, func(h *domain.Heartbeat) *string { return &h.OperatingSystemID }},
	{KindUserAgent, func(h *domain.Heartbeat) string { return h.UserAgent }, func(h *domain.Heartbeat) *string { return &h.UserAgentID }},
	{KindProject, func(h *domain.Heartbeat) string { return h.Project }, func(h *domain.Heartbeat) *string { return &h.ProjectID }},
	{KindBranch, func(h *domain.Heartbeat) string { return h.Branch }, func(h *domain.Heartbeat) *string { return &h.BranchID }},
	{KindMachine, func(h *domain.Heartbeat) string { return h.Machine }, func(h *domain.Heartbeat) *string { return &h.MachineID }},
}
