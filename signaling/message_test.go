package signaling

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeEmbedsPayloadAsJSONString(t *testing.T) {
	payload, err := Encode("token-1", ReceivedChunk{RequestID: "req-1", ChunkNr: 2})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if raw["jwt"] != "token-1" {
		t.Fatalf("unexpected jwt: %v", raw["jwt"])
	}
	if raw["command"] != CommandReceivedChunk {
		t.Fatalf("unexpected command: %v", raw["command"])
	}
	if raw["request_id"] != "req-1" {
		t.Fatalf("unexpected request_id: %v", raw["request_id"])
	}
	data, ok := raw["data"].(string)
	if !ok {
		t.Fatalf("expected data to be a JSON string, got %T", raw["data"])
	}
	if data != `{"request_id":"req-1","chunk_nr":2}` {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestDecodeRoundTripsEveryCommand(t *testing.T) {
	messages := []Message{
		Register{},
		RequestFile{PublicKey: "pk", Filename: "a.txt"},
		AcknowledgeFileRequest{RequestID: "r", PublicKey: "pk", AmountOfChunks: 3, Filename: "a.txt", ChunkSize: 4, FileSize: 11},
		ReadyForFileTransfer{RequestID: "r"},
		AddChunk{RequestID: "r", IsLastChunk: true, ChunkNr: 2, Chunk: "cmxk", IV: "aXY=", Encoding: EncodingBase64},
		ReceivedChunk{RequestID: "r", ChunkNr: 2},
		AbortTransfer{RequestID: "r", Reason: "timeout"},
	}

	for _, msg := range messages {
		payload, err := Encode("jwt", msg)
		if err != nil {
			t.Fatalf("Encode %s failed: %v", msg.Command(), err)
		}
		envelope, decoded, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode %s failed: %v", msg.Command(), err)
		}
		if envelope.JWT != "jwt" {
			t.Fatalf("%s: unexpected jwt %q", msg.Command(), envelope.JWT)
		}
		if decoded != msg {
			t.Fatalf("%s: decoded %#v, want %#v", msg.Command(), decoded, msg)
		}
	}
}

func TestDecodeAcceptsInlineObjectAndEnvelopeRequestID(t *testing.T) {
	payload := []byte(`{"jwt":"","command":"received-chunk","request_id":"outer","data":{"chunk_nr":5}}`)

	_, msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ack, ok := msg.(ReceivedChunk)
	if !ok {
		t.Fatalf("expected ReceivedChunk, got %T", msg)
	}
	if ack.RequestID != "outer" || ack.ChunkNr != 5 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestDecodeRegisterWithEmptyData(t *testing.T) {
	_, msg, err := Decode([]byte(`{"jwt":"t","command":"register","data":"{}"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := msg.(Register); !ok {
		t.Fatalf("expected Register, got %T", msg)
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, _, err := Decode([]byte(`{"command":"send-next-chunk","data":"{}"}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if _, _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if _, _, err := Decode([]byte(`{"command":"add-chunk","data":"{\"chunk_nr\":\"x\"}"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for bad payload, got %v", err)
	}
}
