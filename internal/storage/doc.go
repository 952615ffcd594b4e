// Package storage provides the SQLite persistence layer.
//
// It currently supports:
//   - The durable queue table used by queue's sqlite driver
//   - The delivery journal (one row per dispatch outcome)
package storage
