//go:build !sqlite_vec

package store

import (
	_ "modernc.org/sqlite"
)

// Default build uses the pure-Go modernc driver. Similarity search runs
// brute-force in Go over the stored embeddings; see vector_store.go.
const driverName = "sqlite"
