package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// ContentStore reads containers from the content_items and content_fields
// tables.
type ContentStore struct {
	db Querier
}

var _ linkcheck.ContentStore = (*ContentStore)(nil)

// NewContentStore wraps a pool.
func NewContentStore(db Querier) (*ContentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{db: db}, nil
}

// ListItems lists containers of one type whose status is in statuses. An
// empty status list matches every status.
func (s *ContentStore) ListItems(ctx context.Context, containerType string, statuses []string) ([]linkcheck.ContentItem, error) {
	rows, err := s.db.Query(ctx, `
SELECT container_id, status, modified FROM content_items
WHERE container_type = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
ORDER BY container_id`, containerType, textArray(statuses))
	if err != nil {
		return nil, fmt.Errorf("query content items: %w", err)
	}
	defer rows.Close()
	var out []linkcheck.ContentItem
	for rows.Next() {
		item := linkcheck.ContentItem{Ref: linkcheck.ContainerRef{Type: containerType}}
		if err := rows.Scan(&item.Ref.ID, &item.Status, &item.Modified); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		item.Modified = item.Modified.UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}

// ModifiedTime returns when the container last changed.
func (s *ContentStore) ModifiedTime(ctx context.Context, ref linkcheck.ContainerRef) (time.Time, error) {
	var modified time.Time
	err := s.db.QueryRow(ctx,
		`SELECT modified FROM content_items WHERE container_type = $1 AND container_id = $2`,
		ref.Type, ref.ID).Scan(&modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get modified time of %s: %w", ref, err)
	}
	return modified.UTC(), nil
}

// Status returns the container's publication status.
func (s *ContentStore) Status(ctx context.Context, ref linkcheck.ContainerRef) (string, error) {
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT status FROM content_items WHERE container_type = $1 AND container_id = $2`,
		ref.Type, ref.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get status of %s: %w", ref, err)
	}
	return status, nil
}

// FieldValue returns a raw field. A missing field reads as empty.
func (s *ContentStore) FieldValue(ctx context.Context, ref linkcheck.ContainerRef, field string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(f.value, '') FROM content_items c
LEFT JOIN content_fields f
	ON f.container_type = c.container_type AND f.container_id = c.container_id AND f.field = $3
WHERE c.container_type = $1 AND c.container_id = $2`, ref.Type, ref.ID, field).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read %s.%s: %w", ref, field, err)
	}
	return value, nil
}

// SetFieldValue overwrites a raw field and bumps the modification time.
func (s *ContentStore) SetFieldValue(ctx context.Context, ref linkcheck.ContainerRef, field, value string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE content_items SET modified = now() WHERE container_type = $1 AND container_id = $2`,
		ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("touch %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO content_fields (container_type, container_id, field, value) VALUES ($1, $2, $3, $4)
ON CONFLICT (container_type, container_id, field) DO UPDATE SET value = EXCLUDED.value`,
		ref.Type, ref.ID, field, value); err != nil {
		return fmt.Errorf("write %s.%s: %w", ref, field, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
