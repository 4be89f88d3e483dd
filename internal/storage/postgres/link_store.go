// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// Querier is the subset of pgxpool.Pool and pgx.Tx the stores use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// LinkStore implements linkcheck.LinkStore on Postgres.
type LinkStore struct {
	db   Querier
	inTx bool
}

var _ linkcheck.LinkStore = (*LinkStore)(nil)

// NewLinkStore wraps a pool or transaction.
func NewLinkStore(db Querier) (*LinkStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LinkStore{db: db}, nil
}

const linkColumns = `id, url, final_url, http_code, broken, warning, timeout, redirect_count,
	request_duration_ms, check_count, first_failure, last_check, last_check_attempt,
	may_recheck, being_checked, dismissed, false_positive, result_hash, status_text, log`

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (linkcheck.Link, error) {
	var l linkcheck.Link
	var durationMs int64
	var firstFailure, lastCheck, lastAttempt *time.Time
	err := row.Scan(
		&l.ID, &l.URL, &l.FinalURL, &l.HTTPCode, &l.Broken, &l.Warning, &l.Timeout, &l.RedirectCount,
		&durationMs, &l.CheckCount, &firstFailure, &lastCheck, &lastAttempt,
		&l.MayRecheck, &l.BeingChecked, &l.Dismissed, &l.FalsePositive, &l.ResultHash, &l.StatusText, &l.Log,
	)
	if err != nil {
		return linkcheck.Link{}, err
	}
	l.RequestDuration = time.Duration(durationMs) * time.Millisecond
	l.FirstFailure = fromNullTime(firstFailure)
	l.LastCheck = fromNullTime(lastCheck)
	l.LastCheckAttempt = fromNullTime(lastAttempt)
	return l, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func splitRefs(refs []linkcheck.ContainerRef) ([]string, []int64) {
	types := make([]string, len(refs))
	ids := make([]int64, len(refs))
	for i, ref := range refs {
		types[i] = ref.Type
		ids[i] = ref.ID
	}
	return types, ids
}

// RunInTx runs fn in a transaction. Nested calls use savepoints.
func (s *LinkStore) RunInTx(ctx context.Context, fn func(tx linkcheck.LinkStore) error) error {
	return s.withTx(ctx, func(q Querier) error {
		return fn(&LinkStore{db: q, inTx: true})
	})
}

func (s *LinkStore) withTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UnsyncedContainers lists containers awaiting extraction.
func (s *LinkStore) UnsyncedContainers(ctx context.Context, types []string, limit int) ([]linkcheck.ContainerRef, error) {
	rows, err := s.db.Query(ctx, `
SELECT container_type, container_id FROM synch
WHERE NOT synched AND (cardinality($1::text[]) = 0 OR container_type = ANY($1))
ORDER BY container_type, container_id
LIMIT $2`, textArray(types), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query unsynced containers: %w", err)
	}
	defer rows.Close()
	var out []linkcheck.ContainerRef
	for rows.Next() {
		var ref linkcheck.ContainerRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// SynchRecords lists synch records of one type, or all when the type is "".
func (s *LinkStore) SynchRecords(ctx context.Context, containerType string) ([]linkcheck.SynchRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT container_type, container_id, synched, last_synch FROM synch
WHERE $1 = '' OR container_type = $1
ORDER BY container_type, container_id`, containerType)
	if err != nil {
		return nil, fmt.Errorf("query synch records: %w", err)
	}
	defer rows.Close()
	var out []linkcheck.SynchRecord
	for rows.Next() {
		var (
			rec  linkcheck.SynchRecord
			last *time.Time
		)
		if err := rows.Scan(&rec.Container.Type, &rec.Container.ID, &rec.Synched, &last); err != nil {
			return nil, fmt.Errorf("scan synch record: %w", err)
		}
		rec.LastSynch = fromNullTime(last)
		out = append(out, rec)
	}
	return out, rows.Err()
}

const upsertSynch = `
INSERT INTO synch (container_type, container_id, synched, last_synch)
SELECT u.t, u.i, $3, CASE WHEN $3 THEN $4::timestamptz END
FROM unnest($1::text[], $2::bigint[]) AS u(t, i)
ON CONFLICT (container_type, container_id) DO UPDATE
SET synched = EXCLUDED.synched,
	last_synch = CASE WHEN EXCLUDED.synched THEN EXCLUDED.last_synch ELSE synch.last_synch END`

// SetSynched creates or updates synch records. last_synch only moves when
// marking synched.
func (s *LinkStore) SetSynched(ctx context.Context, refs []linkcheck.ContainerRef, synched bool, at time.Time) error {
	if len(refs) == 0 {
		return nil
	}
	types, ids := splitRefs(refs)
	if _, err := s.db.Exec(ctx, upsertSynch, types, ids, synched, at.UTC()); err != nil {
		return fmt.Errorf("upsert synch records: %w", err)
	}
	return nil
}

// DeleteContainers removes synch records and instances of the containers.
func (s *LinkStore) DeleteContainers(ctx context.Context, refs []linkcheck.ContainerRef) error {
	if len(refs) == 0 {
		return nil
	}
	types, ids := splitRefs(refs)
	return s.withTx(ctx, func(q Querier) error {
		if _, err := q.Exec(ctx, `
DELETE FROM instances WHERE (container_type, container_id) IN
	(SELECT * FROM unnest($1::text[], $2::bigint[]))`, types, ids); err != nil {
			return fmt.Errorf("delete instances: %w", err)
		}
		if _, err := q.Exec(ctx, `
DELETE FROM synch WHERE (container_type, container_id) IN
	(SELECT * FROM unnest($1::text[], $2::bigint[]))`, types, ids); err != nil {
			return fmt.Errorf("delete synch records: %w", err)
		}
		return nil
	})
}

// ReplaceInstances swaps the container's instances and marks it synched.
func (s *LinkStore) ReplaceInstances(ctx context.Context, ref linkcheck.ContainerRef, instances []linkcheck.Instance, at time.Time) error {
	return s.withTx(ctx, func(q Querier) error {
		if _, err := q.Exec(ctx,
			`DELETE FROM instances WHERE container_type = $1 AND container_id = $2`, ref.Type, ref.ID); err != nil {
			return fmt.Errorf("delete instances: %w", err)
		}
		linkIDs := make(map[string]int64)
		for _, inst := range instances {
			if inst.URL == "" {
				return fmt.Errorf("replace instances: %w: empty url", linkcheck.ErrInvalidURL)
			}
			linkID, ok := linkIDs[inst.URL]
			if !ok {
				if err := q.QueryRow(ctx, `
INSERT INTO links (url) VALUES ($1)
ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
RETURNING id`, inst.URL).Scan(&linkID); err != nil {
					return fmt.Errorf("upsert link %q: %w", inst.URL, err)
				}
				linkIDs[inst.URL] = linkID
			}
			if _, err := q.Exec(ctx, `
INSERT INTO instances (link_id, container_type, container_id, container_field, parser_type, link_text, link_context, raw_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				linkID, ref.Type, ref.ID, inst.Field, inst.ParserType, inst.LinkText, inst.Context, inst.RawURL); err != nil {
				return fmt.Errorf("insert instance: %w", err)
			}
		}
		if _, err := q.Exec(ctx, upsertSynch, []string{ref.Type}, []int64{ref.ID}, true, at.UTC()); err != nil {
			return fmt.Errorf("mark synched: %w", err)
		}
		return nil
	})
}

// InstancesForLink lists every occurrence of a link.
func (s *LinkStore) InstancesForLink(ctx context.Context, linkID int64) ([]linkcheck.Instance, error) {
	rows, err := s.db.Query(ctx, `
SELECT i.id, i.link_id, l.url, i.container_type, i.container_id, i.container_field,
	i.parser_type, i.link_text, i.link_context, i.raw_url
FROM instances i JOIN links l ON l.id = i.link_id
WHERE i.link_id = $1
ORDER BY i.id`, linkID)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()
	var out []linkcheck.Instance
	for rows.Next() {
		var inst linkcheck.Instance
		if err := rows.Scan(&inst.ID, &inst.LinkID, &inst.URL, &inst.Container.Type, &inst.Container.ID,
			&inst.Field, &inst.ParserType, &inst.LinkText, &inst.Context, &inst.RawURL); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetLink loads a link by id. Inside RunInTx the row stays locked until the
// transaction ends, so read-modify-write updates of one link serialize.
func (s *LinkStore) GetLink(ctx context.Context, id int64) (linkcheck.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links WHERE id = $1`
	if s.inTx {
		query += ` FOR UPDATE`
	}
	return s.getLink(ctx, query, id)
}

// GetLinkByURL loads a link by its normalized URL.
func (s *LinkStore) GetLinkByURL(ctx context.Context, url string) (linkcheck.Link, error) {
	return s.getLink(ctx, `SELECT `+linkColumns+` FROM links WHERE url = $1`, url)
}

func (s *LinkStore) getLink(ctx context.Context, query string, arg any) (linkcheck.Link, error) {
	link, err := scanLink(s.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return linkcheck.Link{}, fmt.Errorf("link %v: %w", arg, linkcheck.ErrNotFound)
	}
	if err != nil {
		return linkcheck.Link{}, fmt.Errorf("get link %v: %w", arg, err)
	}
	return link, nil
}

func linkArgs(l linkcheck.Link) []any {
	return []any{
		l.ID, l.URL, l.FinalURL, l.HTTPCode, l.Broken, l.Warning, l.Timeout, l.RedirectCount,
		l.RequestDuration.Milliseconds(), l.CheckCount,
		nullTime(l.FirstFailure), nullTime(l.LastCheck), nullTime(l.LastCheckAttempt),
		l.MayRecheck, l.BeingChecked, l.Dismissed, l.FalsePositive, l.ResultHash, l.StatusText, l.Log,
	}
}

// SaveLink overwrites every stored field of the link.
func (s *LinkStore) SaveLink(ctx context.Context, link linkcheck.Link) error {
	tag, err := s.db.Exec(ctx, `
UPDATE links SET url = $2, final_url = $3, http_code = $4, broken = $5, warning = $6, timeout = $7,
	redirect_count = $8, request_duration_ms = $9, check_count = $10, first_failure = $11,
	last_check = $12, last_check_attempt = $13, may_recheck = $14, being_checked = $15,
	dismissed = $16, false_positive = $17, result_hash = $18, status_text = $19, log = $20
WHERE id = $1`, linkArgs(link)...)
	if err != nil {
		return fmt.Errorf("save link %d: %w", link.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %d: %w", link.ID, linkcheck.ErrNotFound)
	}
	return nil
}

// MarkBeingChecked claims links for checking and bumps their attempt time.
func (s *LinkStore) MarkBeingChecked(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
UPDATE links SET being_checked = TRUE,
	last_check_attempt = GREATEST(COALESCE(last_check_attempt, $2), $2)
WHERE id = ANY($1)`, ids, at.UTC()); err != nil {
		return fmt.Errorf("mark being checked: %w", err)
	}
	return nil
}

// DueLinks selects links to check, oldest attempt first.
func (s *LinkStore) DueLinks(ctx context.Context, q linkcheck.DueQuery) ([]linkcheck.Link, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+linkColumns+` FROM links l
WHERE (l.last_check_attempt IS NULL OR l.last_check_attempt < $1
	OR ((l.broken OR l.being_checked) AND l.may_recheck AND l.check_count < $2 AND l.last_check_attempt < $3))
AND EXISTS (
	SELECT 1 FROM instances i WHERE i.link_id = l.id
	AND (cardinality($4::text[]) = 0 OR i.container_type = ANY($4))
	AND (cardinality($5::text[]) = 0 OR i.parser_type = ANY($5)))
ORDER BY l.last_check_attempt NULLS FIRST, l.id
LIMIT $6`,
		q.Now.Add(-q.CheckThreshold).UTC(),
		q.RecheckCeiling,
		q.Now.Add(-q.RecheckThreshold).UTC(),
		textArray(q.ContainerTypes),
		textArray(q.ParserTypes),
		limitArg(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query due links: %w", err)
	}
	return collectLinks(rows)
}

func collectLinks(rows pgx.Rows) ([]linkcheck.Link, error) {
	defer rows.Close()
	var out []linkcheck.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// DeleteOrphanLinks removes links no instance refers to.
func (s *LinkStore) DeleteOrphanLinks(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM links l WHERE NOT EXISTS (SELECT 1 FROM instances i WHERE i.link_id = l.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan links: %w", err)
	}
	return tag.RowsAffected(), nil
}

const uncheckedClause = `(check_count = 0 AND last_check IS NULL)`

func filterClause(filter string) string {
	switch filter {
	case "", linkcheck.FilterAll:
		return "TRUE"
	case linkcheck.FilterBroken:
		return "(broken OR timeout) AND NOT dismissed"
	case linkcheck.FilterWarning:
		return "warning AND NOT dismissed"
	case linkcheck.FilterRedirect:
		return "redirect_count > 0 AND final_url <> '' AND final_url <> url"
	case linkcheck.FilterDismissed:
		return "dismissed"
	case linkcheck.FilterUnchecked:
		return uncheckedClause
	default:
		return "FALSE"
	}
}

// QueryLinks returns one page of links matching the filter and the total
// number of matches.
func (s *LinkStore) QueryLinks(ctx context.Context, f linkcheck.LinkFilter) ([]linkcheck.Link, int, error) {
	where := filterClause(f.Filter) + ` AND ($1 = '' OR strpos(lower(url), $1) > 0)`
	search := strings.ToLower(strings.TrimSpace(f.Search))

	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM links WHERE `+where, search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count links: %w", err)
	}
	var limit any
	if f.PerPage > 0 {
		limit = f.PerPage
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+linkColumns+` FROM links WHERE `+where+` ORDER BY id LIMIT $2 OFFSET $3`,
		search, limit, f.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("query links: %w", err)
	}
	links, err := collectLinks(rows)
	if err != nil {
		return nil, 0, err
	}
	return links, total, nil
}

// Summary counts links by status plus instances and pending containers.
func (s *LinkStore) Summary(ctx context.Context) (linkcheck.Summary, error) {
	var sum linkcheck.Summary
	err := s.db.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE dismissed),
	count(*) FILTER (WHERE NOT dismissed AND `+uncheckedClause+`),
	count(*) FILTER (WHERE NOT dismissed AND NOT `+uncheckedClause+` AND (broken OR timeout)),
	count(*) FILTER (WHERE NOT dismissed AND NOT `+uncheckedClause+` AND NOT (broken OR timeout) AND warning),
	count(*),
	(SELECT count(*) FROM instances),
	(SELECT count(*) FROM synch WHERE NOT synched)
FROM links`).Scan(&sum.Dismissed, &sum.Unchecked, &sum.Broken, &sum.Warning, &sum.TotalLinks, &sum.TotalInstances, &sum.Unsynced)
	if err != nil {
		return linkcheck.Summary{}, fmt.Errorf("summarize links: %w", err)
	}
	sum.Searching = sum.Unsynced > 0
	return sum, nil
}
