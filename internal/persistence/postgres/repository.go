// Package postgres implements the heartbeat store and dimension lookup
// tables on top of pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/codetime/internal/dimension"
	"example.com/codetime/internal/domain"
	"example.com/codetime/internal/observability"
	"example.com/codetime/internal/stats"
)

// Repository provides Postgres-backed persistence for heartbeats and
// dimension entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const heartbeatColumns = `id, user_id, time, created_at, entity, type, category, project, branch,
        language, editor, operating_system, machine, user_agent, is_write, source_type,
        language_id, category_id, editor_id, operating_system_id, user_agent_id,
        project_id, branch_id, machine_id, fields_hash, deleted_at`

// InsertBatch writes heartbeats idempotently: rows whose fields hash is
// already present are skipped, so retried and re-imported batches collapse
// onto the original rows. Returns the number actually inserted.
func (r *Repository) InsertBatch(ctx context.Context, hbs []domain.Heartbeat) (int, error) {
	if len(hbs) == 0 {
		return 0, nil
	}

	const stmt = `INSERT INTO heartbeats (` + heartbeatColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
        ON CONFLICT (fields_hash) DO NOTHING`

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for i := range hbs {
		hb := &hbs[i]
		if hb.ID == "" {
			hb.ID = uuid.NewString()
		}
		if hb.CreatedAt.IsZero() {
			hb.CreatedAt = now
		}
		if hb.FieldsHash == "" {
			hb.FieldsHash = hb.ComputeFieldsHash()
		}
		batch.Queue(stmt,
			hb.ID, hb.UserID, hb.Time, hb.CreatedAt, hb.Entity, hb.Type, hb.Category,
			hb.Project, hb.Branch, hb.Language, hb.Editor, hb.OperatingSystem, hb.Machine,
			hb.UserAgent, hb.IsWrite, string(hb.SourceType),
			nullIfEmpty(hb.LanguageID), nullIfEmpty(hb.CategoryID), nullIfEmpty(hb.EditorID),
			nullIfEmpty(hb.OperatingSystemID), nullIfEmpty(hb.UserAgentID),
			nullIfEmpty(hb.ProjectID), nullIfEmpty(hb.BranchID), nullIfEmpty(hb.MachineID),
			hb.FieldsHash, hb.DeletedAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)

	inserted := 0
	for range hbs {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return inserted, fmt.Errorf("insert heartbeat batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return inserted, err
	}

	observability.RecordHeartbeatsPersisted(inserted, now)
	return inserted, nil
}

// ListRange returns non-deleted heartbeats matching the filter, ordered
// ascending by time.
func (r *Repository) ListRange(ctx context.Context, f stats.Filter) ([]domain.Heartbeat, error) {
	query := `SELECT ` + heartbeatColumns + ` FROM heartbeats WHERE deleted_at IS NULL`
	args := []interface{}{}

	appendEq := func(column string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}

	appendEq("user_id", f.UserID)
	if f.From > 0 {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND time >= $%d", len(args))
	}
	if f.To > 0 {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND time <= $%d", len(args))
	}
	appendEq("project", f.Project)
	appendEq("language", f.Language)
	appendEq("editor", f.Editor)
	appendEq("operating_system", f.OperatingSystem)
	appendEq("machine", f.Machine)
	appendEq("branch", f.Branch)
	appendEq("category", f.Category)
	if f.ExcludeSource != "" {
		args = append(args, string(f.ExcludeSource))
		query += fmt.Sprintf(" AND source_type <> $%d", len(args))
	}
	query += " ORDER BY time ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHeartbeats(rows)
}

// Latest returns the most recent non-test heartbeat for a user, or nil.
func (r *Repository) Latest(ctx context.Context, userID string) (*domain.Heartbeat, error) {
	query := `SELECT ` + heartbeatColumns + ` FROM heartbeats
        WHERE deleted_at IS NULL AND user_id = $1 AND source_type <> $2
        ORDER BY time DESC LIMIT 1`

	rows, err := r.pool.Query(ctx, query, userID, string(domain.SourceTestEntry))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hbs, err := scanHeartbeats(rows)
	if err != nil {
		return nil, err
	}
	if len(hbs) == 0 {
		return nil, nil
	}
	return &hbs[0], nil
}

// DistinctValues lists the distinct raw values of one dimension column for a
// user, most recently used first.
func (r *Repository) DistinctValues(ctx context.Context, userID string, kind dimension.Kind) ([]string, error) {
	column, ok := dimensionColumns[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", dimension.ErrUnknownKind, kind)
	}

	query := fmt.Sprintf(`SELECT %s FROM heartbeats
        WHERE deleted_at IS NULL AND user_id = $1 AND %s <> ''
        GROUP BY %s ORDER BY MAX(time) DESC`, column, column, column)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// TimeBounds returns the minimum and maximum heartbeat time for a user.
// ok is false when the user has no heartbeats.
func (r *Repository) TimeBounds(ctx context.Context, userID string) (minTime, maxTime float64, ok bool, err error) {
	const query = `SELECT MIN(time), MAX(time) FROM heartbeats
        WHERE deleted_at IS NULL AND user_id = $1`

	var minPtr, maxPtr *float64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&minPtr, &maxPtr); err != nil {
		return 0, 0, false, err
	}
	if minPtr == nil || maxPtr == nil {
		return 0, 0, false, nil
	}
	return *minPtr, *maxPtr, true, nil
}

// SoftDelete marks a heartbeat deleted without removing the row.
func (r *Repository) SoftDelete(ctx context.Context, userID, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE heartbeats SET deleted_at = NOW() WHERE user_id = $1 AND id = $2 AND deleted_at IS NULL`,
		userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Get implements dimension.Repository.
func (r *Repository) Get(ctx context.Context, kind dimension.Kind, userID, key string) (*dimension.Entity, error) {
	const query = `SELECT id, kind, user_id, key, name FROM heartbeat_dimensions
        WHERE kind = $1 AND user_id = $2 AND key = $3`

	var e dimension.Entity
	err := r.pool.QueryRow(ctx, query, string(kind), userID, key).Scan(&e.ID, &e.Kind, &e.UserID, &e.Key, &e.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// UpsertKeys implements dimension.Repository with a single atomic statement:
// absent keys are inserted, present ones are left alone, and every requested
// row comes back with its ID. The no-op DO UPDATE makes RETURNING yield
// existing rows too, so concurrent creators always converge on one ID.
func (r *Repository) UpsertKeys(ctx context.Context, kind dimension.Kind, entries []dimension.Entity) ([]dimension.Entity, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	query := `INSERT INTO heartbeat_dimensions (id, kind, user_id, key, name) VALUES `
	args := make([]interface{}, 0, len(entries)*5)
	for i, entry := range entries {
		if i > 0 {
			query += ","
		}
		base := i * 5
		query += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, uuid.NewString(), string(kind), entry.UserID, entry.Key, entry.Name)
	}
	query += ` ON CONFLICT (kind, user_id, key) DO UPDATE SET name = heartbeat_dimensions.name
        RETURNING id, kind, user_id, key, name`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert %s dimensions: %w", kind, err)
	}
	defer rows.Close()

	out := make([]dimension.Entity, 0, len(entries))
	for rows.Next() {
		var e dimension.Entity
		if err := rows.Scan(&e.ID, &e.Kind, &e.UserID, &e.Key, &e.Name); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	observability.RecordDimensionResolution(string(kind), len(out))
	return out, nil
}

var dimensionColumns = map[dimension.Kind]string{
	dimension.KindLanguage:        "language",
	dimension.KindCategory:        "category",
	dimension.KindEditor:          "editor",
	dimension.KindOperatingSystem: "operating_system",
	dimension.KindUserAgent:       "user_agent",
	dimension.KindProject:         "project",
	dimension.KindBranch:          "branch",
	dimension.KindMachine:         "machine",
}

func scanHeartbeats(rows pgx.Rows) ([]domain.Heartbeat, error) {
	var hbs []domain.Heartbeat
	for rows.Next() {
		var hb domain.Heartbeat
		var sourceType string
		var languageID, categoryID, editorID, osID, userAgentID, projectID, branchID, machineID *string
		if err := rows.Scan(
			&hb.ID, &hb.UserID, &hb.Time, &hb.CreatedAt, &hb.Entity, &hb.Type, &hb.Category,
			&hb.Project, &hb.Branch, &hb.Language, &hb.Editor, &hb.OperatingSystem, &hb.Machine,
			&hb.UserAgent, &hb.IsWrite, &sourceType,
			&languageID, &categoryID, &editorID, &osID, &userAgentID,
			&projectID, &branchID, &machineID,
			&hb.FieldsHash, &hb.DeletedAt,
		); err != nil {
			return nil, err
		}
		hb.SourceType = domain.SourceType(sourceType)
		hb.LanguageID = deref(languageID)
		hb.CategoryID = deref(categoryID)
		hb.EditorID = deref(editorID)
		hb.OperatingSystemID = deref(osID)
		hb.UserAgentID = deref(userAgentID)
		hb.ProjectID = deref(projectID)
		hb.BranchID = deref(branchID)
		hb.MachineID = deref(machineID)
		hbs = append(hbs, hb)
	}
	return hbs, rows.Err()
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
