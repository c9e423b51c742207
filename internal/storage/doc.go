// Package storage is the SQLite datastore shared by every scheduler
// invocation.
//
// It doubles as queue, lock table and state store:
//   - projects: progress cursor, target, status and the last-touched claim fence
//   - chapters / chapter_summaries: generated content keyed by (output id, seq)
//   - story_context: rolling synopsis, block outlines and the world bible
//   - daily_quotas: one row per (project, day)
//   - project_diagnostics: last error / last success per project
//
// All mutations are conditional updates or upserts so overlapping ticks never
// block on each other. Timestamps are stored as unix milliseconds.
package storage
