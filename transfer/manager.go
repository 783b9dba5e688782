// Package transfer implements the encrypted chunked transfer state machine on
// both the requesting and the holding side of a session.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dragnshare/chunk"
	"dragnshare/crypto"
	"dragnshare/signaling"
	"dragnshare/storage"
)

const (
	// DefaultLivenessTimeout aborts a transfer with no activity for this long.
	DefaultLivenessTimeout = 2 * time.Minute
	// DefaultSendTimeout bounds one signaling send.
	DefaultSendTimeout = 10 * time.Second
	// DefaultSourceReadRetries bounds retries of a holder's source read.
	DefaultSourceReadRetries = 3
	// DefaultSourceRetryInterval is the first backoff step of a source read retry.
	DefaultSourceRetryInterval = 200 * time.Millisecond
	// DefaultMaxFileSize bounds the size a holder may announce to a requester.
	DefaultMaxFileSize = 1 << 30

	minReapInterval = 10 * time.Millisecond
)

// BlobStore is the durable byte store transfers read sources from and persist
// partial files to. Missing keys return storage.ErrNotFound.
type BlobStore interface {
	GetBlob(key string) ([]byte, error)
	PutBlob(key string, data []byte) error
	AppendBlob(key string, data []byte) error
	DeleteBlob(key string) error
	BlobSize(key string) (int64, error)
}

// Journal archives transfer rows and security events.
type Journal interface {
	UpsertTransfer(record storage.TransferRecord) error
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Options configures a Manager.
type Options struct {
	Channel signaling.Channel
	Blobs   BlobStore
	Journal Journal
	Sink    Sink
	Suite   crypto.Suite

	// Token is attached to every outgoing envelope.
	Token string

	ChunkSize     int
	ChunkEncoding string

	// MaxFileSize is the largest file a requester accepts, in bytes.
	MaxFileSize int64

	LivenessTimeout     time.Duration
	ReapInterval        time.Duration
	SendTimeout         time.Duration
	SourceReadRetries   uint64
	SourceRetryInterval time.Duration

	Logger *slog.Logger

	// OnProgress is called with the transfer lock held and must not call back
	// into the Manager.
	OnProgress func(Progress)

	Now          func() time.Time
	NewRequestID func() string
}

// Manager owns every transfer state of one signaling channel.
type Manager struct {
	options Options
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu        sync.Mutex
	transfers map[string]*transferState
	pending   map[string]*transferState
	stopped   bool

	errMu        sync.RWMutex
	errors       chan error
	errorsClosed bool
}

// NewManager creates a transfer manager with validated configuration.
func NewManager(options Options) (*Manager, error) {
	if options.Channel == nil {
		return nil, errors.New("signaling channel is required")
	}
	if options.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if options.Suite == nil {
		options.Suite = crypto.Standard
	}
	if options.ChunkSize == 0 {
		options.ChunkSize = chunk.DefaultSize
	}
	if options.ChunkSize < 0 || options.ChunkSize > chunk.MaxSize {
		return nil, fmt.Errorf("invalid chunk size %d", options.ChunkSize)
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = DefaultMaxFileSize
	}
	switch options.ChunkEncoding {
	case "":
		options.ChunkEncoding = signaling.EncodingBase64
	case signaling.EncodingBase64, signaling.EncodingHex:
	default:
		return nil, fmt.Errorf("unsupported chunk encoding %q", options.ChunkEncoding)
	}
	if options.LivenessTimeout <= 0 {
		options.LivenessTimeout = DefaultLivenessTimeout
	}
	if options.ReapInterval <= 0 {
		options.ReapInterval = options.LivenessTimeout / 4
	}
	if options.ReapInterval < minReapInterval {
		options.ReapInterval = minReapInterval
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = DefaultSendTimeout
	}
	if options.SourceReadRetries == 0 {
		options.SourceReadRetries = DefaultSourceReadRetries
	}
	if options.SourceRetryInterval <= 0 {
		options.SourceRetryInterval = DefaultSourceRetryInterval
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewRequestID == nil {
		options.NewRequestID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:   options,
		log:       options.Logger,
		ctx:       ctx,
		cancel:    cancel,
		transfers: make(map[string]*transferState),
		pending:   make(map[string]*transferState),
		errors:    make(chan error, 64),
	}, nil
}

// Start launches the receive loop and the liveness reaper.
func (m *Manager) Start() error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrNotStarted
	}

	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.receiveLoop()
		go m.reapLoop()
	})
	return nil
}

// Stop aborts every live transfer, notifying peers, and waits for the loops to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
		m.abortAll(ErrCanceled, true)

		m.errMu.Lock()
		m.errorsClosed = true
		close(m.errors)
		m.errMu.Unlock()
	})
}

// Errors returns terminal transfer failures as *Error values plus channel failures.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Register announces this peer to the session. It keeps no state.
func (m *Manager) Register(ctx context.Context) error {
	return m.sendWithContext(ctx, signaling.Register{})
}

// Abort cancels a live transfer and notifies the peer.
func (m *Manager) Abort(requestID, reason string) error {
	st := m.lookup(requestID)
	if st == nil {
		return fmt.Errorf("%w: %q", ErrUnknownTransfer, requestID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.phase.Terminal() {
		return fmt.Errorf("%w: %q", ErrUnknownTransfer, requestID)
	}
	cause := error(ErrCanceled)
	if reason != "" {
		cause = fmt.Errorf("%w: %s", ErrCanceled, reason)
	}
	m.abortLocked(st, cause, true)
	return nil
}

// Transfer returns a snapshot of one live transfer.
func (m *Manager) Transfer(requestID string) (Snapshot, bool) {
	st := m.lookup(requestID)
	if st == nil {
		return Snapshot{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.phase.Terminal() {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Transfers returns snapshots of every live transfer, oldest first.
func (m *Manager) Transfers() []Snapshot {
	states := m.liveStates()
	snapshots := make([]Snapshot, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.phase.Terminal() {
			snapshots = append(snapshots, st.snapshot())
		}
		st.mu.Unlock()
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots
}

// Dispatch decodes one inbound frame and routes it by command. A returned
// error wrapping ErrProtocolViolation means the message was dropped.
func (m *Manager) Dispatch(payload []byte) error {
	_, msg, err := signaling.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	switch msg := msg.(type) {
	case signaling.Register:
		m.log.Debug("Ignoring register from peer")
		return nil
	case signaling.RequestFile:
		return m.handleRequestFile(msg)
	case signaling.AcknowledgeFileRequest:
		return m.handleAcknowledge(msg)
	case signaling.ReadyForFileTransfer:
		return m.handleReadyForFileTransfer(msg)
	case signaling.AddChunk:
		return m.handleAddChunk(msg)
	case signaling.ReceivedChunk:
		return m.handleReceivedChunk(msg)
	case signaling.AbortTransfer:
		return m.handleAbortTransfer(msg)
	default:
		return violation("unhandled command %q", msg.Command())
	}
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()

	for {
		payload, err := m.options.Channel.Receive(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("Signaling channel closed", "err", err)
			cause := fmt.Errorf("receive signaling message: %w", err)
			m.abortAll(cause, false)
			m.reportError(cause)
			return
		}

		if err := m.Dispatch(payload); err != nil {
			m.log.Debug("Dropped signaling message", "err", err)
		}
	}
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reap() {
	now := m.options.Now()
	for _, st := range m.liveStates() {
		st.mu.Lock()
		if !st.phase.Terminal() && now.Sub(st.updatedAt) >= m.options.LivenessTimeout {
			m.abortLocked(st, fmt.Errorf("%w: no activity for %s in phase %s", ErrTimeout, m.options.LivenessTimeout, st.phase), true)
		}
		st.mu.Unlock()
	}
}

func (m *Manager) abortAll(cause error, notify bool) {
	for _, st := range m.liveStates() {
		st.mu.Lock()
		m.abortLocked(st, cause, notify)
		st.mu.Unlock()
	}
}

func (m *Manager) liveStates() []*transferState {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]*transferState, 0, len(m.transfers)+len(m.pending))
	for _, st := range m.transfers {
		states = append(states, st)
	}
	for _, st := range m.pending {
		states = append(states, st)
	}
	return states
}

func (m *Manager) lookup(requestID string) *transferState {
	if requestID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[requestID]
}

// bind moves a pending requester state under its RequestId. The caller holds st.mu.
func (m *Manager) bind(st *transferState, requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transfers[requestID]; exists {
		return false
	}
	if m.pending[st.filename] == st {
		delete(m.pending, st.filename)
	}
	m.transfers[requestID] = st
	st.requestID = requestID
	return true
}

// track registers a holder state. The caller holds st.mu.
func (m *Manager) track(st *transferState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if _, exists := m.transfers[st.requestID]; exists {
		return false
	}
	m.transfers[st.requestID] = st
	return true
}

func (m *Manager) remove(st *transferState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.requestID != "" && m.transfers[st.requestID] == st {
		delete(m.transfers, st.requestID)
	}
	if m.pending[st.filename] == st {
		delete(m.pending, st.filename)
	}
}

// abortLocked moves st to PhaseAborted. The caller holds st.mu.
func (m *Manager) abortLocked(st *transferState, cause error, notify bool) {
	if st.phase.Terminal() {
		return
	}

	from := st.phase
	st.phase = PhaseAborted
	st.err = cause
	st.updatedAt = m.options.Now()
	st.wipe()
	m.remove(st)

	if st.role == RoleRequester && st.requestID != "" {
		if err := m.options.Blobs.DeleteBlob(storage.PartialKey(st.requestID)); err != nil {
			m.log.Warn("Failed to delete partial blob", "request_id", st.requestID, "err", err)
		}
	}
	if notify && st.requestID != "" {
		if err := m.send(signaling.AbortTransfer{RequestID: st.requestID, Reason: abortReason(cause)}); err != nil {
			m.log.Debug("Could not notify peer of abort", "request_id", st.requestID, "err", err)
		}
	}

	m.log.Warn("Transfer aborted",
		"request_id", st.requestID,
		"filename", st.filename,
		"phase", from,
		"err", cause,
	)
	m.journal(st)
	m.recordAbortEvent(st, from, cause)
	m.reportError(&Error{
		RequestID: st.requestID,
		Filename:  st.filename,
		Role:      st.role,
		Err:       cause,
	})
	m.finishLocked(st, Outcome{
		RequestID:        st.requestID,
		Filename:         st.filename,
		Phase:            PhaseAborted,
		VerificationCode: st.verification,
		Err:              cause,
	})
}

func (m *Manager) finishLocked(st *transferState, outcome Outcome) {
	if st.outcome == nil {
		return
	}
	st.outcome <- outcome
	close(st.outcome)
	st.outcome = nil
}

func (m *Manager) send(msg signaling.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.options.SendTimeout)
	defer cancel()
	return m.sendWithContext(ctx, msg)
}

func (m *Manager) sendWithContext(ctx context.Context, msg signaling.Message) error {
	payload, err := signaling.Encode(m.options.Token, msg)
	if err != nil {
		return err
	}
	if err := m.options.Channel.Send(ctx, payload); err != nil {
		return fmt.Errorf("send %s: %w", msg.Command(), err)
	}
	return nil
}

func (m *Manager) journal(st *transferState) {
	if m.options.Journal == nil || st.requestID == "" {
		return
	}
	if err := m.options.Journal.UpsertTransfer(st.record()); err != nil {
		m.log.Warn("Failed to journal transfer", "request_id", st.requestID, "err", err)
	}
}

func (m *Manager) recordAbortEvent(st *transferState, from Phase, cause error) {
	switch {
	case errors.Is(cause, crypto.ErrAuthentication):
		m.securityEvent(st, from, "chunk_authentication_failed", storage.SecuritySeverityCritical, cause)
	case errors.Is(cause, crypto.ErrCryptoFailure):
		m.securityEvent(st, from, "key_exchange_failed", storage.SecuritySeverityWarning, cause)
	case errors.Is(cause, ErrPeerAborted):
		m.securityEvent(st, from, "peer_aborted", storage.SecuritySeverityWarning, cause)
	}
}

// securityEvent records an incident observed while st was in phase.
func (m *Manager) securityEvent(st *transferState, phase Phase, eventType, severity string, cause error) {
	if m.options.Journal == nil {
		return
	}

	details := map[string]any{
		"phase": phase,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		m.log.Warn("Failed to encode security event", "event_type", eventType, "err", err)
		return
	}

	var requestID *string
	if st.requestID != "" {
		id := st.requestID
		requestID = &id
	}
	if err := m.options.Journal.LogSecurityEvent(storage.SecurityEvent{
		EventType: eventType,
		RequestID: requestID,
		Role:      string(st.role),
		Filename:  st.filename,
		Details:   string(encoded),
		Severity:  severity,
		Timestamp: m.options.Now().UnixMilli(),
	}); err != nil {
		m.log.Warn("Failed to record security event", "event_type", eventType, "err", err)
	}
}

func (m *Manager) emitProgress(st *transferState, index int) {
	if m.options.OnProgress == nil {
		return
	}
	m.options.OnProgress(Progress{
		RequestID:  st.requestID,
		Filename:   st.filename,
		Role:       st.role,
		ChunkIndex: index,
		ChunkCount: st.chunkCount,
		Bytes:      st.bytesDone,
		TotalBytes: st.fileSize,
		Phase:      st.phase,
	})
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}

	m.errMu.RLock()
	defer m.errMu.RUnlock()
	if m.errorsClosed {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func abortReason(cause error) string {
	switch {
	case errors.Is(cause, crypto.ErrAuthentication):
		return "authentication_failed"
	case errors.Is(cause, crypto.ErrCryptoFailure):
		return "crypto_failure"
	case errors.Is(cause, ErrStorageFailure):
		return "storage_failure"
	case errors.Is(cause, ErrTimeout):
		return "timeout"
	case errors.Is(cause, ErrCanceled):
		return "canceled"
	case errors.Is(cause, ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "error"
	}
}

func encodeChunk(data []byte, encoding string) string {
	if encoding == signaling.EncodingHex {
		return crypto.EncodeHex(data)
	}
	return crypto.EncodeBase64(data)
}

func decodeChunk(text, encoding string) ([]byte, error) {
	switch encoding {
	case "", signaling.EncodingBase64:
		return crypto.DecodeBase64(text)
	case signaling.EncodingHex:
		return crypto.DecodeHex(text)
	default:
		return nil, fmt.Errorf("unsupported chunk encoding %q", encoding)
	}
}
