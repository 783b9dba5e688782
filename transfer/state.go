package transfer

import (
	"sync"
	"time"

	"dragnshare/crypto"
	"dragnshare/storage"
)

// Phase is the lifecycle position of one transfer.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAwaitingAcknowledge Phase = "awaiting_acknowledge"
	PhaseAwaitingKeyExchange Phase = "awaiting_key_exchange"
	PhaseReadyForTransfer    Phase = "ready_for_transfer"
	PhaseTransferring        Phase = "transferring"
	PhaseComplete            Phase = "complete"
	PhaseAborted             Phase = "aborted"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Role is the side of a transfer this process plays.
type Role string

const (
	RoleRequester Role = storage.TransferRoleRequester
	RoleHolder    Role = storage.TransferRoleHolder
)

// Outcome is delivered once on the channel returned by RequestFile.
type Outcome struct {
	RequestID        string
	Filename         string
	Phase            Phase
	Location         string
	Size             int64
	VerificationCode string
	Err              error
}

// Progress is reported through Options.OnProgress.
type Progress struct {
	RequestID  string
	Filename   string
	Role       Role
	ChunkIndex int
	ChunkCount int
	Bytes      int64
	TotalBytes int64
	Phase      Phase
}

// Snapshot is a read-only view of one live transfer.
type Snapshot struct {
	RequestID        string
	Filename         string
	Role             Role
	Phase            Phase
	ChunkSize        int
	ChunkCount       int
	NextChunk        int
	Bytes            int64
	FileSize         int64
	VerificationCode string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type transferState struct {
	mu sync.Mutex

	role      Role
	requestID string
	filename  string
	phase     Phase

	keys         crypto.KeyPair
	secret       []byte
	verification string

	chunkSize  int
	chunkCount int
	fileSize   int64
	// maxBytes bounds the reassembled buffer on the requester.
	maxBytes int64

	// requester: reassembled plaintext, bytes of it already in the blob store,
	// and the next index expected under the pull model.
	buffer    []byte
	persisted int
	nextChunk int

	// holder: source bytes and the newest chunk sent.
	source         []byte
	lastSent       int
	lastSentIsLast bool

	bytesDone int64
	err       error

	createdAt time.Time
	updatedAt time.Time

	outcome chan Outcome
}

func newTransferState(role Role, filename string, keys crypto.KeyPair, now time.Time) *transferState {
	return &transferState{
		role:      role,
		filename:  filename,
		phase:     PhaseIdle,
		keys:      keys,
		lastSent:  -1,
		createdAt: now,
		updatedAt: now,
	}
}

func (st *transferState) snapshot() Snapshot {
	next := st.nextChunk
	if st.role == RoleHolder {
		next = st.lastSent + 1
	}
	return Snapshot{
		RequestID:        st.requestID,
		Filename:         st.filename,
		Role:             st.role,
		Phase:            st.phase,
		ChunkSize:        st.chunkSize,
		ChunkCount:       st.chunkCount,
		NextChunk:        next,
		Bytes:            st.bytesDone,
		FileSize:         st.fileSize,
		VerificationCode: st.verification,
		CreatedAt:        st.createdAt,
		UpdatedAt:        st.updatedAt,
	}
}

func (st *transferState) record() storage.TransferRecord {
	snap := st.snapshot()
	record := storage.TransferRecord{
		RequestID:  st.requestID,
		Role:       string(st.role),
		Filename:   st.filename,
		ChunkCount: st.chunkCount,
		ChunkSize:  st.chunkSize,
		NextChunk:  snap.NextChunk,
		BytesDone:  st.bytesDone,
		Phase:      string(st.phase),
		CreatedAt:  st.createdAt.UnixMilli(),
		UpdatedAt:  st.updatedAt.UnixMilli(),
	}
	if st.err != nil {
		msg := st.err.Error()
		record.Error = &msg
	}
	return record
}

func (st *transferState) wipe() {
	crypto.Zero(st.secret)
	st.secret = nil
	st.keys = crypto.KeyPair{}
	st.buffer = nil
	st.source = nil
}
