//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// sqlite_vec build: register the sqlite-vec extension with the
// mattn/go-sqlite3 driver. vec.Auto() registers it as an auto-loadable
// extension so vec0 virtual tables become available for large corpora.
func init() {
	vec.Auto()
}

const driverName = "sqlite3"
