package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row or blob does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferRoleRequester is the side that asked for a file.
	TransferRoleRequester = "requester"
	// TransferRoleHolder is the side that serves a file.
	TransferRoleHolder = "holder"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	sharedKeyPrefix  = "shared/"
	partialKeyPrefix = "partial/"
)

// SharedFile describes one file a holder serves to the session.
type SharedFile struct {
	Filename   string
	BlobKey    string
	Filesize   int64
	Checksum   string
	SourcePath *string
	SharedAt   int64
}

// TransferRecord is the journal row for one transfer.
type TransferRecord struct {
	RequestID  string
	Role       string
	Filename   string
	ChunkCount int
	ChunkSize  int
	NextChunk  int
	BytesDone  int64
	Phase      string
	Error      *string
	CreatedAt  int64
	UpdatedAt  int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Role   string
	Phase  string
	Limit  int
	Offset int
}

// SecurityEvent is one security-relevant incident in a transfer. Role and
// Filename are copied from the transfer so the event outlives its journal row.
type SecurityEvent struct {
	ID        int64
	EventType string
	RequestID *string
	Role      string
	Filename  string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents and SummarizeSecurityEvents.
// MinSeverity keeps events at or above that severity.
type SecurityEventFilter struct {
	EventType   string
	RequestID   string
	Role        string
	Filename    string
	MinSeverity string
	Since       int64
	Limit       int
	Offset      int
}

// SecurityEventCount aggregates the events of one type. Severity is the
// highest severity recorded for the type.
type SecurityEventCount struct {
	EventType string
	Severity  string
	Count     int
	Transfers int
	LastSeen  int64
}

// SharedFileKey is the blob key under which a shared file is stored.
func SharedFileKey(filename string) string {
	return sharedKeyPrefix + filename
}

// PartialKey is the blob key holding a requester's partially received file.
func PartialKey(requestID string) string {
	return partialKeyPrefix + requestID
}

func validateTransferRole(role string) error {
	switch role {
	case TransferRoleRequester, TransferRoleHolder:
		return nil
	default:
		return fmt.Errorf("invalid transfer role %q", role)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func clampLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type scanner interface {
	Scan(dest ...any) error
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
