package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const securityEventColumns = `id, event_type, request_id, role, filename, details, severity, timestamp`

// severityRankSQL orders severities so MinSeverity can compare them.
const severityRankSQL = `CASE severity WHEN 'critical' THEN 2 WHEN 'warning' THEN 1 ELSE 0 END`

var severityByRank = []string{SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical}

func severityRank(severity string) int {
	for rank, name := range severityByRank {
		if name == severity {
			return rank
		}
	}
	return -1
}

// SetSecurityEventRetention configures automatic security-event pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent records one event against a transfer and prunes rows past
// the retention horizon.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event, err := normalizeSecurityEvent(event)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO security_events (event_type, request_id, role, filename, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(event.RequestID),
		nullString(stringPointer(event.Role)),
		nullString(stringPointer(event.Filename)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}
	return nil
}

func normalizeSecurityEvent(event SecurityEvent) (SecurityEvent, error) {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return event, errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return event, err
	}
	if event.Role != "" {
		if err := validateTransferRole(event.Role); err != nil {
			return event, err
		}
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return event, errors.New("details must be valid JSON text")
	}
	if event.RequestID != nil {
		event.RequestID = stringPointer(strings.TrimSpace(*event.RequestID))
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	return event, nil
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.conditions()
	if err != nil {
		return nil, err
	}
	limit, offset := clampLimit(filter.Limit, filter.Offset)
	args = append(args, limit, offset)

	query := `SELECT ` + securityEventColumns + ` FROM security_events` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	return s.querySecurityEvents(query, args...)
}

// SecurityEventsForTransfer returns the events of one transfer in the order
// they were recorded.
func (s *Store) SecurityEventsForTransfer(requestID string) ([]SecurityEvent, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.New("request_id is required")
	}
	return s.querySecurityEvents(
		`SELECT `+securityEventColumns+` FROM security_events WHERE request_id = ? ORDER BY timestamp, id`,
		requestID,
	)
}

// SummarizeSecurityEvents counts matching events per type, most severe first.
// Limit and Offset are ignored.
func (s *Store) SummarizeSecurityEvents(filter SecurityEventFilter) ([]SecurityEventCount, error) {
	where, args, err := filter.conditions()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT event_type, MAX(`+severityRankSQL+`) AS worst, COUNT(*) AS total,
			COUNT(DISTINCT request_id), MAX(timestamp)
		FROM security_events`+where+`
		GROUP BY event_type
		ORDER BY worst DESC, total DESC, event_type`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize security events: %w", err)
	}
	defer rows.Close()

	counts := make([]SecurityEventCount, 0)
	for rows.Next() {
		var (
			count SecurityEventCount
			worst int
		)
		if err := rows.Scan(&count.EventType, &worst, &count.Count, &count.Transfers, &count.LastSeen); err != nil {
			return nil, fmt.Errorf("scan security event summary: %w", err)
		}
		if worst >= 0 && worst < len(severityByRank) {
			count.Severity = severityByRank[worst]
		}
		counts = append(counts, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event summary: %w", err)
	}
	return counts, nil
}

func (f SecurityEventFilter) conditions() (string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}

	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if f.Role != "" {
		if err := validateTransferRole(f.Role); err != nil {
			return "", nil, err
		}
		add("role = ?", f.Role)
	}
	if f.Filename != "" {
		add("filename = ?", f.Filename)
	}
	if f.MinSeverity != "" {
		rank := severityRank(f.MinSeverity)
		if rank < 0 {
			return "", nil, fmt.Errorf("invalid security event severity %q", f.MinSeverity)
		}
		if rank > 0 {
			add(severityRankSQL+" >= ?", rank)
		}
	}
	if f.Since > 0 {
		add("timestamp >= ?", f.Since)
	}

	if len(where) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

func (s *Store) querySecurityEvents(query string, args ...any) ([]SecurityEvent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event          SecurityEvent
		requestID      sql.NullString
		role, filename sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&requestID,
		&role,
		&filename,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.RequestID = stringPtr(requestID)
	event.Role = role.String
	event.Filename = filename.String
	return &event, nil
}
