package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ShareFile stores data as a shared file under its base name and records its
// metadata. Sharing the same name again replaces the previous content.
func (s *Store) ShareFile(filename string, data []byte, sourcePath string) (*SharedFile, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return nil, errors.New("filename is required")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid shared filename %q", filename)
	}
	if data == nil {
		data = []byte{}
	}

	sum := sha256.Sum256(data)
	file := SharedFile{
		Filename:   name,
		BlobKey:    SharedFileKey(name),
		Filesize:   int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
		SourcePath: stringPointer(sourcePath),
		SharedAt:   nowUnixMilli(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin share file %q: %w", name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO blobs (blob_key, data, size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		file.BlobKey,
		data,
		len(data),
		file.SharedAt,
	); err != nil {
		return nil, fmt.Errorf("store shared blob %q: %w", name, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO shared_files (
			filename,
			blob_key,
			filesize,
			checksum,
			source_path,
			shared_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			blob_key = excluded.blob_key,
			filesize = excluded.filesize,
			checksum = excluded.checksum,
			source_path = excluded.source_path,
			shared_at = excluded.shared_at`,
		file.Filename,
		file.BlobKey,
		file.Filesize,
		file.Checksum,
		nullString(file.SourcePath),
		file.SharedAt,
	); err != nil {
		return nil, fmt.Errorf("insert shared file %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit share file %q: %w", name, err)
	}
	return &file, nil
}

// GetSharedFile fetches shared file metadata by name.
func (s *Store) GetSharedFile(filename string) (*SharedFile, error) {
	row := s.db.QueryRow(
		`SELECT
			filename,
			blob_key,
			filesize,
			checksum,
			source_path,
			shared_at
		FROM shared_files
		WHERE filename = ?`,
		filename,
	)

	file, err := scanSharedFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get shared file %q: %w", filename, err)
	}
	return file, nil
}

// ListSharedFiles returns every shared file ordered by name.
func (s *Store) ListSharedFiles() ([]SharedFile, error) {
	rows, err := s.db.Query(
		`SELECT
			filename,
			blob_key,
			filesize,
			checksum,
			source_path,
			shared_at
		FROM shared_files
		ORDER BY filename`,
	)
	if err != nil {
		return nil, fmt.Errorf("list shared files: %w", err)
	}
	defer rows.Close()

	files := make([]SharedFile, 0)
	for rows.Next() {
		file, scanErr := scanSharedFile(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan shared file row: %w", scanErr)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared file rows: %w", err)
	}
	return files, nil
}

// UnshareFile removes a shared file and its blob.
func (s *Store) UnshareFile(filename string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin unshare file %q: %w", filename, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM shared_files WHERE filename = ?`, filename)
	if err != nil {
		return fmt.Errorf("delete shared file %q: %w", filename, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for unshare %q: %w", filename, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM blobs WHERE blob_key = ?`, SharedFileKey(filename)); err != nil {
		return fmt.Errorf("delete shared blob %q: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unshare file %q: %w", filename, err)
	}
	return nil
}

func scanSharedFile(row scanner) (*SharedFile, error) {
	var (
		file       SharedFile
		sourcePath sql.NullString
	)
	if err := row.Scan(
		&file.Filename,
		&file.BlobKey,
		&file.Filesize,
		&file.Checksum,
		&sourcePath,
		&file.SharedAt,
	); err != nil {
		return nil, err
	}

	file.SourcePath = stringPtr(sourcePath)
	return &file, nil
}
