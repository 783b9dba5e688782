package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetTransferRetention configures the automatic transfer journal pruning horizon.
func (s *Store) SetTransferRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultTransferRetention
	}
	s.transferRetention = retention
}

// UpsertTransfer inserts or updates one transfer journal row.
func (s *Store) UpsertTransfer(record TransferRecord) error {
	if record.RequestID == "" {
		return errors.New("request_id is required")
	}
	if err := validateTransferRole(record.Role); err != nil {
		return err
	}
	if strings.TrimSpace(record.Phase) == "" {
		return errors.New("phase is required")
	}
	if record.NextChunk < 0 {
		return errors.New("next_chunk must be >= 0")
	}
	if record.BytesDone < 0 {
		return errors.New("bytes_done must be >= 0")
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = record.UpdatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			request_id,
			role,
			filename,
			chunk_count,
			chunk_size,
			next_chunk,
			bytes_done,
			phase,
			error,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			chunk_count = excluded.chunk_count,
			chunk_size = excluded.chunk_size,
			next_chunk = excluded.next_chunk,
			bytes_done = excluded.bytes_done,
			phase = excluded.phase,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		record.RequestID,
		record.Role,
		record.Filename,
		record.ChunkCount,
		record.ChunkSize,
		record.NextChunk,
		record.BytesDone,
		record.Phase,
		nullString(record.Error),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", record.RequestID, err)
	}

	if s.transferRetention > 0 {
		cutoff := time.Now().Add(-s.transferRetention).UnixMilli()
		if _, err := s.PruneTransfers(cutoff); err != nil {
			return fmt.Errorf("prune transfers: %w", err)
		}
	}
	return nil
}

// GetTransfer fetches one transfer journal row.
func (s *Store) GetTransfer(requestID string) (*TransferRecord, error) {
	if requestID == "" {
		return nil, errors.New("request_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			request_id,
			role,
			filename,
			chunk_count,
			chunk_size,
			next_chunk,
			bytes_done,
			phase,
			error,
			created_at,
			updated_at
		FROM transfers
		WHERE request_id = ?`,
		requestID,
	)

	record, err := scanTransferRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", requestID, err)
	}
	return record, nil
}

// ListTransfers returns journal rows, newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	if filter.Role != "" {
		if err := validateTransferRole(filter.Role); err != nil {
			return nil, err
		}
	}
	limit, offset := clampLimit(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(`SELECT
		request_id,
		role,
		filename,
		chunk_count,
		chunk_size,
		next_chunk,
		bytes_done,
		phase,
		error,
		created_at,
		updated_at
	FROM transfers`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, filter.Phase)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY updated_at DESC, request_id LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransferRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// PruneTransfers removes journal rows last updated before cutoffTimestamp.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfers WHERE updated_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

func scanTransferRecord(row scanner) (*TransferRecord, error) {
	var (
		record   TransferRecord
		errorMsg sql.NullString
	)
	if err := row.Scan(
		&record.RequestID,
		&record.Role,
		&record.Filename,
		&record.ChunkCount,
		&record.ChunkSize,
		&record.NextChunk,
		&record.BytesDone,
		&record.Phase,
		&errorMsg,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	record.Error = stringPtr(errorMsg)
	return &record, nil
}
