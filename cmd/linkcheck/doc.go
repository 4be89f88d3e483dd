// Package main hosts the linkcheck entrypoint.
//
// Architecture overview:
//   - Synchronization: internal/synch keeps one synch record per enabled container. Content hooks on the API or a
//     full resync mark containers unsynced; the worker parses them through internal/extract, which writes link
//     instances and creates links for new URLs in one transaction.
//   - Checking: internal/worker drains due links in batches. Each URL is checked by internal/checker (HEAD first,
//     GET fallback, redirect tracing) behind the per-host token buckets of internal/policy/ratelimit. Results are
//     applied to the link record, and transitions into or out of broken are published when a publisher is set.
//   - Budget: a run holds a distributed lock (memory, Postgres advisory lock or Redis), stops at
//     worker.max_execution_seconds, sheds work when the load average exceeds worker.server_load_limit, and sleeps
//     between batches to honor worker.target_resource_usage.
//   - Administration: internal/api exposes internal/links over chi for browsing, rechecking, status overrides and
//     content edits (edit URL, unlink, deredirect).
//   - Storage: Postgres via pgx when db.dsn is set, otherwise in-memory stores. Reports go to memory, a local
//     directory or GCS.
//
// Commands:
//   - linkcheck serve: API plus the cron-scheduled worker (worker.schedule).
//   - linkcheck run: one worker run, result printed as JSON.
//   - linkcheck resync [--force]: reconcile synch records with the content store.
//   - linkcheck report: export broken and warning links.
//   - linkcheck migrate-schema: create the Postgres tables.
//
// Configuration comes from an optional YAML file (--config) with LINKCHECK_* environment overrides, e.g.
// LINKCHECK_DB_DSN, LINKCHECK_LOCK_BACKEND, LINKCHECK_WORKER_SCHEDULE.
package main
