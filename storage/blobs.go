package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetBlob returns a copy of the bytes stored under key.
func (s *Store) GetBlob(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("blob key is required")
	}

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE blob_key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get blob %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// PutBlob stores data under key, replacing any previous value.
func (s *Store) PutBlob(key string, data []byte) error {
	if key == "" {
		return errors.New("blob key is required")
	}
	if data == nil {
		data = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO blobs (blob_key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		key,
		data,
		len(data),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put blob %q: %w", key, err)
	}
	return nil
}

// AppendBlob appends data to the value under key, creating it when missing.
func (s *Store) AppendBlob(key string, data []byte) error {
	if key == "" {
		return errors.New("blob key is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append blob %q: %w", key, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing []byte
	err = tx.QueryRow(`SELECT data FROM blobs WHERE blob_key = ?`, key).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read blob %q for append: %w", key, err)
	}

	combined := make([]byte, 0, len(existing)+len(data))
	combined = append(combined, existing...)
	combined = append(combined, data...)

	if _, err := tx.Exec(
		`INSERT INTO blobs (blob_key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		key,
		combined,
		len(combined),
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("append blob %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append blob %q: %w", key, err)
	}
	return nil
}

// DeleteBlob removes key. Deleting a missing key is not an error.
func (s *Store) DeleteBlob(key string) error {
	if key == "" {
		return errors.New("blob key is required")
	}

	if _, err := s.db.Exec(`DELETE FROM blobs WHERE blob_key = ?`, key); err != nil {
		return fmt.Errorf("delete blob %q: %w", key, err)
	}
	return nil
}

// BlobSize returns the stored length of key without loading it.
func (s *Store) BlobSize(key string) (int64, error) {
	if key == "" {
		return 0, errors.New("blob key is required")
	}

	var size int64
	err := s.db.QueryRow(`SELECT size FROM blobs WHERE blob_key = ?`, key).Scan(&size)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get blob size %q: %w", key, err)
	}
	return size, nil
}

// ListBlobKeys returns stored keys starting with prefix, sorted.
func (s *Store) ListBlobKeys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT blob_key FROM blobs WHERE substr(blob_key, 1, ?) = ? ORDER BY blob_key`,
		len(prefix),
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list blob keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan blob key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob key rows: %w", err)
	}
	return keys, nil
}

// PurgePartials deletes every partial blob left over from a previous run.
func (s *Store) PurgePartials() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM blobs WHERE substr(blob_key, 1, ?) = ?`,
		len(partialKeyPrefix),
		partialKeyPrefix,
	)
	if err != nil {
		return 0, fmt.Errorf("purge partial blobs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for partial purge: %w", err)
	}
	return rowsAffected, nil
}
