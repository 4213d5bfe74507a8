package database

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock is a held session advisory lock. The lock lives on a
// dedicated pooled connection, which stays checked out until Release.
type AdvisoryLock struct {
	conn *pgxpool.Conn
	key  int64
}

// LockKey derives a stable 64-bit advisory key from its parts, so two
// processes configured with the same environment tag and token compete for
// the same lock.
func LockKey(parts ...string) int64 {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// TryAdvisoryLock attempts a non-blocking session advisory lock. Returns
// nil without error when another session holds the key.
func (db *DB) TryAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}
	return &AdvisoryLock{conn: conn, key: key}, nil
}

// Key returns the advisory key this lock holds.
func (l *AdvisoryLock) Key() int64 {
	return l.key
}

// Release unlocks the key and returns the connection to the pool. Safe to
// call more than once.
func (l *AdvisoryLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
}
