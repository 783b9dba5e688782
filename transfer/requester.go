package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dragnshare/chunk"
	"dragnshare/crypto"
	"dragnshare/signaling"
	"dragnshare/storage"
)

// RequestFile asks the session for filename. The returned channel receives
// exactly one Outcome once the transfer completes or aborts.
func (m *Manager) RequestFile(ctx context.Context, filename string) (<-chan Outcome, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return nil, errors.New("filename is required")
	}
	if m.options.Sink == nil {
		return nil, errors.New("an output sink is required to request files")
	}

	keys, err := m.options.Suite.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	st := newTransferState(RoleRequester, name, keys, m.options.Now())
	st.phase = PhaseAwaitingAcknowledge
	st.outcome = make(chan Outcome, 1)

	st.mu.Lock()
	defer st.mu.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if _, exists := m.pending[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRequested, name)
	}
	m.pending[name] = st
	m.mu.Unlock()

	request := signaling.RequestFile{
		PublicKey: crypto.EncodePublicKey(keys.Public),
		Filename:  name,
	}
	if err := m.sendWithContext(ctx, request); err != nil {
		st.phase = PhaseAborted
		st.wipe()
		m.remove(st)
		return nil, err
	}

	m.log.Info("Requested file",
		"filename", name,
		"fingerprint", crypto.FormatFingerprint(crypto.KeyFingerprint(keys.Public)),
	)
	return st.outcome, nil
}

// CancelRequest withdraws a request that no holder has acknowledged yet.
func (m *Manager) CancelRequest(filename string) error {
	m.mu.Lock()
	st := m.pending[filename]
	m.mu.Unlock()
	if st == nil {
		return fmt.Errorf("%w: no outstanding request for %q", ErrUnknownTransfer, filename)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.phase != PhaseAwaitingAcknowledge {
		return fmt.Errorf("%w: request for %q already acknowledged", ErrUnknownTransfer, filename)
	}
	m.abortLocked(st, ErrCanceled, false)
	return nil
}

func (m *Manager) handleAcknowledge(msg signaling.AcknowledgeFileRequest) error {
	if msg.RequestID == "" {
		return violation("acknowledge for %q without request id", msg.Filename)
	}

	m.mu.Lock()
	st := m.pending[msg.Filename]
	_, bound := m.transfers[msg.RequestID]
	m.mu.Unlock()
	if st == nil {
		return violation("acknowledge for %q with no outstanding request", msg.Filename)
	}
	if bound {
		return violation("request id %s already bound", msg.RequestID)
	}

	chunkSize := msg.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunk.DefaultSize
	}
	limit, err := m.transferLimit(msg, chunkSize)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase != PhaseAwaitingAcknowledge {
		return violation("acknowledge for %q in phase %s", msg.Filename, st.phase)
	}
	if !m.bind(st, msg.RequestID) {
		return violation("request id %s already bound", msg.RequestID)
	}
	st.chunkSize = chunkSize
	st.chunkCount = msg.AmountOfChunks
	st.fileSize = msg.FileSize
	st.maxBytes = limit
	if msg.FileSize > 0 {
		if count := chunk.Count(msg.FileSize, chunkSize); count != msg.AmountOfChunks {
			m.log.Debug("Declared chunk count disagrees with file size",
				"request_id", msg.RequestID,
				"amount_of_chunks", msg.AmountOfChunks,
				"file_size", msg.FileSize,
			)
			st.chunkCount = count
		}
	}
	st.updatedAt = m.options.Now()

	peerKey, err := crypto.DecodePublicKey(msg.PublicKey)
	if err != nil {
		m.abortLocked(st, fmt.Errorf("holder public key: %w", err), true)
		return nil
	}
	secret, err := m.options.Suite.DeriveSharedSecret(st.keys.Private, peerKey)
	if err != nil {
		m.abortLocked(st, err, true)
		return nil
	}
	st.secret = secret
	if code, err := crypto.VerificationCode(secret); err != nil {
		m.log.Warn("Failed to derive verification code", "request_id", st.requestID, "err", err)
	} else {
		st.verification = code
	}

	if err := m.options.Blobs.PutBlob(storage.PartialKey(st.requestID), []byte{}); err != nil {
		m.abortLocked(st, fmt.Errorf("%w: create partial blob: %w", ErrStorageFailure, err), true)
		return nil
	}

	st.phase = PhaseReadyForTransfer
	m.journal(st)
	if err := m.send(signaling.ReadyForFileTransfer{RequestID: st.requestID}); err != nil {
		m.abortLocked(st, err, false)
		return nil
	}

	m.log.Info("File request acknowledged",
		"request_id", st.requestID,
		"filename", st.filename,
		"chunks", st.chunkCount,
		"verification_code", st.verification,
	)
	return nil
}

// transferLimit validates the sizing of an acknowledgment and returns the
// most bytes the transfer may deliver. The declared file size wins over the
// chunk count when both are present.
func (m *Manager) transferLimit(msg signaling.AcknowledgeFileRequest, chunkSize int) (int64, error) {
	if chunkSize < 0 || chunkSize > chunk.MaxSize {
		return 0, violation("acknowledge %s has chunk_size %d outside 1..%d", msg.RequestID, msg.ChunkSize, chunk.MaxSize)
	}
	if msg.AmountOfChunks < 1 || msg.FileSize < 0 {
		return 0, violation("acknowledge %s has invalid sizing (chunks=%d, file_size=%d)",
			msg.RequestID, msg.AmountOfChunks, msg.FileSize)
	}

	ceiling := m.options.MaxFileSize
	if msg.FileSize > 0 {
		if msg.FileSize > ceiling {
			return 0, violation("acknowledge %s announces %d bytes, limit is %d", msg.RequestID, msg.FileSize, ceiling)
		}
		return msg.FileSize, nil
	}
	if int64(msg.AmountOfChunks) > ceiling/int64(chunkSize) {
		return 0, violation("acknowledge %s announces %d chunks of %d bytes, limit is %d",
			msg.RequestID, msg.AmountOfChunks, chunkSize, ceiling)
	}
	return int64(msg.AmountOfChunks) * int64(chunkSize), nil
}

func (m *Manager) handleAddChunk(msg signaling.AddChunk) error {
	st := m.lookup(msg.RequestID)
	if st == nil {
		return violation("add-chunk for unknown request id %q", msg.RequestID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.role != RoleRequester {
		return violation("add-chunk for %s sent to the holder", msg.RequestID)
	}
	if st.phase != PhaseReadyForTransfer && st.phase != PhaseTransferring {
		return violation("add-chunk for %s in phase %s", msg.RequestID, st.phase)
	}
	if msg.ChunkNr < 0 || int64(msg.ChunkNr) > (st.maxBytes-1)/int64(st.chunkSize) {
		return violation("chunk %d out of range for %d bytes", msg.ChunkNr, st.maxBytes)
	}

	ciphertext, err := decodeChunk(msg.Chunk, msg.Encoding)
	if err != nil {
		return violation("chunk %d payload: %v", msg.ChunkNr, err)
	}
	iv, err := crypto.DecodeBase64(msg.IV)
	if err != nil {
		return violation("chunk %d iv: %v", msg.ChunkNr, err)
	}

	plaintext, err := m.options.Suite.Decrypt(st.secret, iv, ciphertext)
	if err != nil {
		m.abortLocked(st, fmt.Errorf("chunk %d: %w", msg.ChunkNr, err), true)
		return nil
	}
	if len(plaintext) > st.chunkSize {
		m.abortLocked(st, violation("chunk %d carries %d bytes, chunk size is %d", msg.ChunkNr, len(plaintext), st.chunkSize), true)
		return nil
	}

	offset := int64(msg.ChunkNr) * int64(st.chunkSize)
	if offset+int64(len(plaintext)) > st.maxBytes {
		m.abortLocked(st, violation("chunk %d ends past the announced %d bytes", msg.ChunkNr, st.maxBytes), true)
		return nil
	}

	st.phase = PhaseTransferring
	st.buffer, err = chunk.Reassemble(st.buffer, msg.ChunkNr, plaintext, st.chunkSize, st.maxBytes)
	if err != nil {
		m.abortLocked(st, violation("reassemble chunk %d: %v", msg.ChunkNr, err), true)
		return nil
	}
	if msg.IsLastChunk {
		st.buffer = chunk.Truncate(st.buffer, msg.ChunkNr, len(plaintext), st.chunkSize)
		if st.fileSize > 0 && int64(len(st.buffer)) != st.fileSize {
			m.abortLocked(st, violation("received %d bytes, expected %d", len(st.buffer), st.fileSize), true)
			return nil
		}
	}
	if err := m.persistLocked(st, int(offset), plaintext); err != nil {
		m.abortLocked(st, fmt.Errorf("%w: persist chunk %d: %w", ErrStorageFailure, msg.ChunkNr, err), true)
		return nil
	}

	if msg.ChunkNr >= st.nextChunk {
		st.nextChunk = msg.ChunkNr + 1
	}
	st.bytesDone = int64(len(st.buffer))
	st.updatedAt = m.options.Now()

	if err := m.send(signaling.ReceivedChunk{RequestID: st.requestID, ChunkNr: msg.ChunkNr}); err != nil {
		m.abortLocked(st, err, false)
		return nil
	}
	m.log.Debug("Received chunk",
		"request_id", st.requestID,
		"chunk", msg.ChunkNr,
		"bytes", len(plaintext),
	)
	m.emitProgress(st, msg.ChunkNr)

	if msg.IsLastChunk {
		m.completeRequesterLocked(st, msg.ChunkNr)
	}
	return nil
}

// persistLocked appends in-order chunks and rewrites the partial blob otherwise.
func (m *Manager) persistLocked(st *transferState, offset int, plaintext []byte) error {
	key := storage.PartialKey(st.requestID)
	if offset == st.persisted {
		if err := m.options.Blobs.AppendBlob(key, plaintext); err != nil {
			return err
		}
		st.persisted += len(plaintext)
		return nil
	}

	if err := m.options.Blobs.PutBlob(key, st.buffer); err != nil {
		return err
	}
	st.persisted = len(st.buffer)
	return nil
}

func (m *Manager) completeRequesterLocked(st *transferState, lastIndex int) {
	location, err := m.options.Sink.Deliver(st.buffer, st.filename)
	if err != nil {
		m.abortLocked(st, fmt.Errorf("%w: deliver %q: %w", ErrStorageFailure, st.filename, err), false)
		return
	}
	if err := m.options.Blobs.DeleteBlob(storage.PartialKey(st.requestID)); err != nil {
		m.log.Warn("Failed to delete partial blob", "request_id", st.requestID, "err", err)
	}

	size := int64(len(st.buffer))
	st.phase = PhaseComplete
	st.updatedAt = m.options.Now()
	m.remove(st)
	m.journal(st)
	m.emitProgress(st, lastIndex)

	m.log.Info("Transfer complete",
		"request_id", st.requestID,
		"filename", st.filename,
		"bytes", size,
		"location", location,
	)

	outcome := Outcome{
		RequestID:        st.requestID,
		Filename:         st.filename,
		Phase:            PhaseComplete,
		Location:         location,
		Size:             size,
		VerificationCode: st.verification,
	}
	st.wipe()
	m.finishLocked(st, outcome)
}
