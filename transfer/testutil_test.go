package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dragnshare/crypto"
	"dragnshare/signaling"
	"dragnshare/storage"
)

type delivered struct {
	name string
	data []byte
}

type memorySink struct {
	mu    sync.Mutex
	files []delivered
}

func (s *memorySink) Deliver(data []byte, suggestedName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, delivered{name: suggestedName, data: append([]byte(nil), data...)})
	return "memory://" + suggestedName, nil
}

func (s *memorySink) all() []delivered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivered(nil), s.files...)
}

type testPeer struct {
	manager *Manager
	store   *storage.Store
	sink    *memorySink
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store
}

func newTestPeer(t *testing.T, channel signaling.Channel, configure func(*Options)) *testPeer {
	t.Helper()

	store := newTestStore(t)
	sink := &memorySink{}
	options := Options{
		Channel: channel,
		Blobs:   store,
		Journal: store,
		Sink:    sink,
		Token:   "test-token",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(&options)
	}

	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return &testPeer{manager: manager, store: store, sink: sink}
}

func (p *testPeer) start(t *testing.T) {
	t.Helper()

	if err := p.manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.manager.Stop)
}

func shareTestFile(t *testing.T, store *storage.Store, name string, data []byte) {
	t.Helper()

	if _, err := store.ShareFile(name, data, ""); err != nil {
		t.Fatalf("ShareFile(%q) failed: %v", name, err)
	}
}

func waitForOutcome(t *testing.T, outcomes <-chan Outcome, timeout time.Duration) Outcome {
	t.Helper()

	select {
	case outcome, ok := <-outcomes:
		if !ok {
			t.Fatalf("outcome channel closed without a value")
		}
		return outcome
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for transfer outcome")
	}
	return Outcome{}
}

func waitForJournalPhase(t *testing.T, store *storage.Store, requestID string, phase Phase, timeout time.Duration) *storage.TransferRecord {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		record, err := store.GetTransfer(requestID)
		if err == nil && record.Phase == string(phase) {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for transfer %s to reach %s", requestID, phase)
	return nil
}

func encodeFrame(t *testing.T, msg signaling.Message) []byte {
	t.Helper()

	payload, err := signaling.Encode("test-token", msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Command(), err)
	}
	return payload
}

func receiveMessage(t *testing.T, channel signaling.Channel) signaling.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := channel.Receive(ctx)
	if err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	_, msg, err := signaling.Decode(payload)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func expectNoMessage(t *testing.T, channel signaling.Channel, wait time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	payload, err := channel.Receive(ctx)
	if err == nil {
		t.Fatalf("expected no frame, got %s", payload)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected receive deadline, got %v", err)
	}
}

// scriptedHolder plays the holder side by hand over one end of a pipe.
type scriptedHolder struct {
	channel   signaling.Channel
	keys      crypto.KeyPair
	secret    []byte
	requestID string
}

func newScriptedHolder(t *testing.T, channel signaling.Channel, requestID string) *scriptedHolder {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	return &scriptedHolder{channel: channel, keys: keys, requestID: requestID}
}

// accept reads the next request-file and derives the shared secret.
func (h *scriptedHolder) accept(t *testing.T) signaling.RequestFile {
	t.Helper()

	request, ok := receiveMessage(t, h.channel).(signaling.RequestFile)
	if !ok {
		t.Fatalf("expected request-file")
	}
	peerKey, err := crypto.DecodePublicKey(request.PublicKey)
	if err != nil {
		t.Fatalf("decode requester key: %v", err)
	}
	h.secret, err = crypto.DeriveSharedSecret(h.keys.Private, peerKey)
	if err != nil {
		t.Fatalf("derive secret: %v", err)
	}
	return request
}

func (h *scriptedHolder) ackFor(filename string, chunks, chunkSize int, fileSize int64) signaling.AcknowledgeFileRequest {
	return signaling.AcknowledgeFileRequest{
		RequestID:      h.requestID,
		PublicKey:      crypto.EncodePublicKey(h.keys.Public),
		AmountOfChunks: chunks,
		Filename:       filename,
		ChunkSize:      chunkSize,
		FileSize:       fileSize,
	}
}

// acknowledge answers the next request-file and waits for ready-for-file-transfer.
func (h *scriptedHolder) acknowledge(t *testing.T, chunks, chunkSize int, fileSize int64) {
	t.Helper()

	request := h.accept(t)
	ack := h.ackFor(request.Filename, chunks, chunkSize, fileSize)
	if err := h.channel.Send(context.Background(), encodeFrame(t, ack)); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	ready, ok := receiveMessage(t, h.channel).(signaling.ReadyForFileTransfer)
	if !ok {
		t.Fatalf("expected ready-for-file-transfer")
	}
	if ready.RequestID != h.requestID {
		t.Fatalf("ready for %q, want %q", ready.RequestID, h.requestID)
	}
}

// chunkFor encrypts plaintext under the shared secret with a fresh IV.
func (h *scriptedHolder) chunkFor(t *testing.T, index int, isLast bool, plaintext []byte) signaling.AddChunk {
	t.Helper()

	iv, err := crypto.NewIV()
	if err != nil {
		t.Fatalf("NewIV failed: %v", err)
	}
	ciphertext, err := crypto.Encrypt(h.secret, iv, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return signaling.AddChunk{
		RequestID:   h.requestID,
		IsLastChunk: isLast,
		ChunkNr:     index,
		Chunk:       crypto.EncodeBase64(ciphertext),
		IV:          crypto.EncodeBase64(iv),
	}
}

func (h *scriptedHolder) sendChunk(t *testing.T, index int, isLast bool, plaintext []byte) {
	t.Helper()

	msg := h.chunkFor(t, index, isLast, plaintext)
	if err := h.channel.Send(context.Background(), encodeFrame(t, msg)); err != nil {
		t.Fatalf("send chunk %d: %v", index, err)
	}
}

// tamperChannel rewrites outbound frames before they reach the peer.
type tamperChannel struct {
	signaling.Channel
	rewrite func([]byte) []byte
}

func (c *tamperChannel) Send(ctx context.Context, payload []byte) error {
	return c.Channel.Send(ctx, c.rewrite(payload))
}

// recordingSuite captures every IV the holder draws.
type recordingSuite struct {
	crypto.Suite

	mu  sync.Mutex
	ivs [][]byte
}

func (s *recordingSuite) NewIV() ([]byte, error) {
	iv, err := s.Suite.NewIV()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ivs = append(s.ivs, append([]byte(nil), iv...))
	s.mu.Unlock()
	return iv, nil
}

func (s *recordingSuite) recorded() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.ivs...)
}
