// Package signaling carries transfer commands between two peers through a
// relay that never sees plaintext or key material.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CommandRegister               = "register"
	CommandRequestFile            = "request-file"
	CommandAcknowledgeFileRequest = "acknowledge-file-request"
	CommandReadyForFileTransfer   = "ready-for-file-transfer"
	CommandAddChunk               = "add-chunk"
	CommandReceivedChunk          = "received-chunk"
	CommandAbortTransfer          = "abort-transfer"
)

const (
	// EncodingBase64 is the default chunk text encoding.
	EncodingBase64 = "base64"
	// EncodingHex is the alternate chunk text encoding.
	EncodingHex = "hex"
)

var (
	// ErrUnknownCommand indicates the envelope command is missing or unknown.
	ErrUnknownCommand = errors.New("signaling: unknown command")
	// ErrMalformedMessage indicates the envelope or its payload is not valid JSON.
	ErrMalformedMessage = errors.New("signaling: malformed message")
)

// Message is one decoded command payload.
type Message interface {
	Command() string
}

// Envelope is the JSON frame exchanged over the signaling channel.
type Envelope struct {
	JWT       string          `json:"jwt"`
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Register announces the session token to the relay.
type Register struct{}

// RequestFile asks the session for a file by name.
type RequestFile struct {
	PublicKey string `json:"public_key"`
	Filename  string `json:"filename"`
}

// AcknowledgeFileRequest binds a request to a RequestId and carries the holder key.
type AcknowledgeFileRequest struct {
	RequestID      string `json:"request_id"`
	PublicKey      string `json:"public_key"`
	AmountOfChunks int    `json:"amount_of_chunks"`
	Filename       string `json:"filename"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
}

// ReadyForFileTransfer tells the holder the requester derived the secret.
type ReadyForFileTransfer struct {
	RequestID string `json:"request_id"`
}

// AddChunk carries one encrypted chunk.
type AddChunk struct {
	RequestID   string `json:"request_id"`
	IsLastChunk bool   `json:"is_last_chunk"`
	ChunkNr     int    `json:"chunk_nr"`
	Chunk       string `json:"chunk"`
	IV          string `json:"iv"`
	Encoding    string `json:"encoding,omitempty"`
}

// ReceivedChunk acknowledges the chunk with absolute index ChunkNr.
type ReceivedChunk struct {
	RequestID string `json:"request_id"`
	ChunkNr   int    `json:"chunk_nr"`
}

// AbortTransfer tells the peer the sender gave up on a transfer.
type AbortTransfer struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

func (Register) Command() string               { return CommandRegister }
func (RequestFile) Command() string            { return CommandRequestFile }
func (AcknowledgeFileRequest) Command() string { return CommandAcknowledgeFileRequest }
func (ReadyForFileTransfer) Command() string   { return CommandReadyForFileTransfer }
func (AddChunk) Command() string               { return CommandAddChunk }
func (ReceivedChunk) Command() string          { return CommandReceivedChunk }
func (AbortTransfer) Command() string          { return CommandAbortTransfer }

// RequestID returns the RequestId carried by msg, if any.
func RequestID(msg Message) string {
	switch m := msg.(type) {
	case AcknowledgeFileRequest:
		return m.RequestID
	case ReadyForFileTransfer:
		return m.RequestID
	case AddChunk:
		return m.RequestID
	case ReceivedChunk:
		return m.RequestID
	case AbortTransfer:
		return m.RequestID
	default:
		return ""
	}
}

// Encode builds the envelope for msg. The payload is embedded as a JSON string.
func Encode(token string, msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrUnknownCommand
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Command(), err)
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("quote %s payload: %w", msg.Command(), err)
	}

	payload, err := json.Marshal(Envelope{
		JWT:       token,
		Command:   msg.Command(),
		RequestID: RequestID(msg),
		Data:      quoted,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// Decode parses one envelope into its typed payload. The data field may be a
// JSON string or an inline object.
func Decode(payload []byte) (Envelope, Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: decode envelope: %w", ErrMalformedMessage, err)
	}

	data, err := payloadBytes(envelope.Data)
	if err != nil {
		return envelope, nil, err
	}

	var msg Message
	switch envelope.Command {
	case CommandRegister:
		msg, err = decodeAs[Register](data)
	case CommandRequestFile:
		msg, err = decodeAs[RequestFile](data)
	case CommandAcknowledgeFileRequest:
		var m AcknowledgeFileRequest
		m, err = decodeAs[AcknowledgeFileRequest](data)
		if m.RequestID == "" {
			m.RequestID = envelope.RequestID
		}
		msg = m
	case CommandReadyForFileTransfer:
		var m ReadyForFileTransfer
		m, err = decodeAs[ReadyForFileTransfer](data)
		if m.RequestID == "" {
			m.RequestID = envelope.RequestID
		}
		msg = m
	case CommandAddChunk:
		var m AddChunk
		m, err = decodeAs[AddChunk](data)
		if m.RequestID == "" {
			m.RequestID = envelope.RequestID
		}
		msg = m
	case CommandReceivedChunk:
		var m ReceivedChunk
		m, err = decodeAs[ReceivedChunk](data)
		if m.RequestID == "" {
			m.RequestID = envelope.RequestID
		}
		msg = m
	case CommandAbortTransfer:
		var m AbortTransfer
		m, err = decodeAs[AbortTransfer](data)
		if m.RequestID == "" {
			m.RequestID = envelope.RequestID
		}
		msg = m
	default:
		return envelope, nil, fmt.Errorf("%w: %q", ErrUnknownCommand, envelope.Command)
	}
	if err != nil {
		return envelope, nil, fmt.Errorf("%w: decode %s payload: %w", ErrMalformedMessage, envelope.Command, err)
	}
	return envelope, msg, nil
}

func payloadBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}"), nil
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return nil, fmt.Errorf("%w: decode data string: %w", ErrMalformedMessage, err)
	}
	if text == "" {
		return []byte("{}"), nil
	}
	return []byte(text), nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
