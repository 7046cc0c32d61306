package storage

import (
	"database/sql"
	"time"
)

// GetKV returns the value stored under key. Expired entries read as missing.
func (s *Store) GetKV(key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullString
	err := s.db.QueryRow(`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.String <= formatTime(s.now()) {
		return nil, ErrNotFound
	}
	return value, nil
}

// PutKV stores value under key. A zero ttl never expires.
func (s *Store) PutKV(key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullString
	if ttl > 0 {
		expiresAt = sql.NullString{String: formatTime(s.now().Add(ttl)), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

// PurgeExpiredKV deletes expired entries and returns how many were removed.
func (s *Store) PurgeExpiredKV() (int, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(s.now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
