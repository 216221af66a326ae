// Package stores persists workflow runs and their lifecycle events.
// SQLiteStore keeps a run table and an append-only event journal in SQLite
// (WAL mode, embedded migrations) and doubles as an engine.EventSink, so a
// runner records its history by attaching the store as a sink.
package stores
