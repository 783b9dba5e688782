package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"dragnshare/chunk"
	"dragnshare/crypto"
	"dragnshare/signaling"
	"dragnshare/storage"
)

func (m *Manager) handleRequestFile(msg signaling.RequestFile) error {
	if msg.Filename == "" {
		return violation("request-file without filename")
	}

	size, err := m.options.Blobs.BlobSize(storage.SharedFileKey(msg.Filename))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.log.Debug("Ignoring request for file not shared here", "filename", msg.Filename)
			return nil
		}
		m.log.Warn("Failed to look up shared file", "filename", msg.Filename, "err", err)
		return fmt.Errorf("%w: look up %q: %w", ErrStorageFailure, msg.Filename, err)
	}

	peerKey, err := crypto.DecodePublicKey(msg.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: requester public key: %w", ErrProtocolViolation, err)
	}
	keys, err := m.options.Suite.GenerateKeyPair()
	if err != nil {
		return err
	}
	secret, err := m.options.Suite.DeriveSharedSecret(keys.Private, peerKey)
	if err != nil {
		return err
	}

	st := newTransferState(RoleHolder, msg.Filename, keys, m.options.Now())
	st.requestID = m.options.NewRequestID()
	st.secret = secret
	st.chunkSize = m.options.ChunkSize
	st.chunkCount = chunk.Count(size, st.chunkSize)
	st.fileSize = size
	st.phase = PhaseAwaitingKeyExchange
	if code, err := crypto.VerificationCode(secret); err != nil {
		m.log.Warn("Failed to derive verification code", "request_id", st.requestID, "err", err)
	} else {
		st.verification = code
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !m.track(st) {
		st.wipe()
		return fmt.Errorf("%w: cannot track request id %s", ErrCanceled, st.requestID)
	}
	m.journal(st)

	ack := signaling.AcknowledgeFileRequest{
		RequestID:      st.requestID,
		PublicKey:      crypto.EncodePublicKey(keys.Public),
		AmountOfChunks: st.chunkCount,
		Filename:       st.filename,
		ChunkSize:      st.chunkSize,
		FileSize:       st.fileSize,
	}
	if err := m.send(ack); err != nil {
		m.abortLocked(st, err, false)
		return nil
	}

	m.log.Info("Acknowledged file request",
		"request_id", st.requestID,
		"filename", st.filename,
		"chunks", st.chunkCount,
		"verification_code", st.verification,
	)
	return nil
}

func (m *Manager) handleReadyForFileTransfer(msg signaling.ReadyForFileTransfer) error {
	st := m.lookup(msg.RequestID)
	if st == nil {
		return violation("ready-for-file-transfer for unknown request id %q", msg.RequestID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.role != RoleHolder || st.phase != PhaseAwaitingKeyExchange {
		return violation("ready-for-file-transfer for %s in phase %s", msg.RequestID, st.phase)
	}
	st.phase = PhaseReadyForTransfer
	st.updatedAt = m.options.Now()

	source, err := m.loadSource(st.filename)
	if err != nil {
		m.abortLocked(st, fmt.Errorf("%w: load %q: %w", ErrStorageFailure, st.filename, err), true)
		return nil
	}
	if count := chunk.Count(int64(len(source)), st.chunkSize); count != st.chunkCount {
		m.abortLocked(st, fmt.Errorf("%w: %q changed from %d to %d chunks", ErrStorageFailure, st.filename, st.chunkCount, count), true)
		return nil
	}
	st.source = source
	st.fileSize = int64(len(source))
	st.phase = PhaseTransferring
	m.journal(st)

	m.sendChunkLocked(st, 0)
	return nil
}

// loadSource reads a shared file, retrying transient store errors.
func (m *Manager) loadSource(filename string) ([]byte, error) {
	key := storage.SharedFileKey(filename)

	var source []byte
	operation := func() error {
		data, err := m.options.Blobs.GetBlob(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		source = data
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.options.SourceRetryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, m.options.SourceReadRetries), m.ctx)
	notify := func(err error, wait time.Duration) {
		m.log.Warn("Retrying shared file read", "filename", filename, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		return nil, err
	}
	return source, nil
}

// sendChunkLocked encrypts and sends chunk index under a fresh IV. The caller holds st.mu.
func (m *Manager) sendChunkLocked(st *transferState, index int) {
	piece, err := chunk.Slice(st.source, index, st.chunkSize)
	if err != nil {
		m.abortLocked(st, fmt.Errorf("%w: slice chunk %d: %w", ErrStorageFailure, index, err), true)
		return
	}
	iv, err := m.options.Suite.NewIV()
	if err != nil {
		m.abortLocked(st, err, true)
		return
	}
	ciphertext, err := m.options.Suite.Encrypt(st.secret, iv, piece.Data)
	if err != nil {
		m.abortLocked(st, err, true)
		return
	}

	msg := signaling.AddChunk{
		RequestID:   st.requestID,
		IsLastChunk: piece.IsLast,
		ChunkNr:     index,
		Chunk:       encodeChunk(ciphertext, m.options.ChunkEncoding),
		IV:          crypto.EncodeBase64(iv),
	}
	if m.options.ChunkEncoding == signaling.EncodingHex {
		msg.Encoding = signaling.EncodingHex
	}
	if err := m.send(msg); err != nil {
		m.abortLocked(st, err, false)
		return
	}

	st.lastSent = index
	st.lastSentIsLast = piece.IsLast
	st.updatedAt = m.options.Now()
	m.log.Debug("Sent chunk",
		"request_id", st.requestID,
		"chunk", index,
		"bytes", len(piece.Data),
	)
}

func (m *Manager) handleReceivedChunk(msg signaling.ReceivedChunk) error {
	st := m.lookup(msg.RequestID)
	if st == nil {
		return violation("received-chunk for unknown request id %q", msg.RequestID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.role != RoleHolder || st.phase != PhaseTransferring {
		return violation("received-chunk for %s in phase %s", msg.RequestID, st.phase)
	}
	if msg.ChunkNr < 0 || msg.ChunkNr > st.lastSent {
		err := violation("ack for chunk %d that was never sent (newest %d)", msg.ChunkNr, st.lastSent)
		m.securityEvent(st, st.phase, "unexpected_chunk_ack", storage.SecuritySeverityWarning, err)
		return err
	}
	if msg.ChunkNr < st.lastSent {
		return violation("stale ack for chunk %d (newest %d)", msg.ChunkNr, st.lastSent)
	}

	start := int64(msg.ChunkNr) * int64(st.chunkSize)
	st.bytesDone = min(st.fileSize, start+int64(st.chunkSize))
	st.updatedAt = m.options.Now()
	m.emitProgress(st, msg.ChunkNr)

	if st.lastSentIsLast {
		m.completeHolderLocked(st)
		return nil
	}
	m.sendChunkLocked(st, st.lastSent+1)
	return nil
}

func (m *Manager) completeHolderLocked(st *transferState) {
	st.phase = PhaseComplete
	st.updatedAt = m.options.Now()
	m.remove(st)
	m.journal(st)
	m.log.Info("Transfer complete",
		"request_id", st.requestID,
		"filename", st.filename,
		"bytes", st.fileSize,
	)
	st.wipe()
}

func (m *Manager) handleAbortTransfer(msg signaling.AbortTransfer) error {
	st := m.lookup(msg.RequestID)
	if st == nil {
		return violation("abort-transfer for unknown request id %q", msg.RequestID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	reason := msg.Reason
	if reason == "" {
		reason = "no reason given"
	}
	m.abortLocked(st, fmt.Errorf("%w: %s", ErrPeerAborted, reason), false)
	return nil
}
