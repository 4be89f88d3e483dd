package postgres

import (
	"context"
	"fmt"
)

// Schema creates the link, instance and synch tables plus the minimal
// content tables read by ContentStore. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS links (
	id                  BIGSERIAL PRIMARY KEY,
	url                 TEXT NOT NULL UNIQUE,
	final_url           TEXT NOT NULL DEFAULT '',
	http_code           INTEGER NOT NULL DEFAULT 0,
	broken              BOOLEAN NOT NULL DEFAULT FALSE,
	warning             BOOLEAN NOT NULL DEFAULT FALSE,
	timeout             BOOLEAN NOT NULL DEFAULT FALSE,
	redirect_count      INTEGER NOT NULL DEFAULT 0,
	request_duration_ms BIGINT NOT NULL DEFAULT 0,
	check_count         INTEGER NOT NULL DEFAULT 0,
	first_failure       TIMESTAMPTZ,
	last_check          TIMESTAMPTZ,
	last_check_attempt  TIMESTAMPTZ,
	may_recheck         BOOLEAN NOT NULL DEFAULT TRUE,
	being_checked       BOOLEAN NOT NULL DEFAULT FALSE,
	dismissed           BOOLEAN NOT NULL DEFAULT FALSE,
	false_positive      BOOLEAN NOT NULL DEFAULT FALSE,
	result_hash         TEXT NOT NULL DEFAULT '',
	status_text         TEXT NOT NULL DEFAULT '',
	log                 TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS links_last_check_attempt_idx ON links (last_check_attempt NULLS FIRST, id);

CREATE TABLE IF NOT EXISTS instances (
	id              BIGSERIAL PRIMARY KEY,
	link_id         BIGINT NOT NULL REFERENCES links (id) ON DELETE CASCADE,
	container_type  TEXT NOT NULL,
	container_id    BIGINT NOT NULL,
	container_field TEXT NOT NULL,
	parser_type     TEXT NOT NULL,
	link_text       TEXT NOT NULL DEFAULT '',
	link_context    TEXT NOT NULL DEFAULT '',
	raw_url         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS instances_link_idx ON instances (link_id);
CREATE INDEX IF NOT EXISTS instances_container_idx ON instances (container_type, container_id);

CREATE TABLE IF NOT EXISTS synch (
	container_type TEXT NOT NULL,
	container_id   BIGINT NOT NULL,
	synched        BOOLEAN NOT NULL DEFAULT FALSE,
	last_synch     TIMESTAMPTZ,
	PRIMARY KEY (container_type, container_id)
);
CREATE INDEX IF NOT EXISTS synch_pending_idx ON synch (container_type, container_id) WHERE NOT synched;

CREATE TABLE IF NOT EXISTS content_items (
	container_type TEXT NOT NULL,
	container_id   BIGINT NOT NULL,
	status         TEXT NOT NULL,
	modified       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (container_type, container_id)
);

CREATE TABLE IF NOT EXISTS content_fields (
	container_type TEXT NOT NULL,
	container_id   BIGINT NOT NULL,
	field          TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (container_type, container_id, field),
	FOREIGN KEY (container_type, container_id) REFERENCES content_items ON DELETE CASCADE
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
