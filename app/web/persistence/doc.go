// Package persistence provides SQLite-backed storage of completed generation
// jobs and their resolved artifacts. The active job registry is memory-only;
// this store exists so the creations listing survives restarts.
package persistence
