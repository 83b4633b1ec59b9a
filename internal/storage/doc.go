// Package storage provides the persistence layer.
//
// It stores:
//   - Connection records (one per session that reached "connected")
//   - Log records (lifecycle, broadcast, admin and system lines)
//   - The runtime settings document (read and written as a whole)
//
// Drivers: memory (default when disabled), file (jsonl), sqlite, redis.
package storage
