// Package stores persists the device inventory, job records, configuration
// version metadata, device leases and the audit trail.
//
// SQLiteStore is the default backend. It runs on the pure Go modernc SQLite
// driver in WAL mode with foreign keys enforced, and applies its schema with
// embedded golang-migrate migrations. It implements the engine's JobStore,
// DeviceStore, VersionStore and LeaseManager interfaces.
//
// Job status transitions are guarded in SQL: every UPDATE names the status
// it expects to move from, so a terminal job is never modified and
// started_at / finished_at are written exactly once even when several
// workers race on the same row.
//
// Timestamps are stored as fixed-width UTC text, which keeps ordering and
// comparisons in SQL lexical.
package stores
