package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type createdSignal struct {
	sessionID  int64
	signalType string
	payload    []byte
}

type mockSignalCreator struct {
	mu      sync.Mutex
	created []createdSignal
	fail    error
}

func (m *mockSignalCreator) CreateSignal(_ context.Context, sessionID int64, signalType string, payload any) (*protocol.Signal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, 500, m.fail
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	m.created = append(m.created, createdSignal{sessionID: sessionID, signalType: signalType, payload: raw})
	return &protocol.Signal{ID: int64(len(m.created)), SessionID: sessionID, Type: signalType}, 200, nil
}

func (m *mockSignalCreator) signals() []createdSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]createdSignal, len(m.created))
	copy(out, m.created)
	return out
}

func TestPublisher_SmallPayloadVerbatim(t *testing.T) {
	hub := &mockSignalCreator{}
	pub := NewPublisher(hub, 7, testLogger())

	payload := map[string]any{"type": "chat.agent.done", "request_id": "r-1", "message": "hi"}
	if err := pub.Publish(context.Background(), "message.created", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	created := hub.signals()
	if len(created) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(created))
	}
	if created[0].sessionID != 7 || created[0].signalType != "message.created" {
		t.Fatalf("signal = %+v", created[0])
	}
	var got map[string]any
	if err := json.Unmarshal(created[0].payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got["message"] != "hi" || got["request_id"] != "r-1" {
		t.Fatalf("payload = %v", got)
	}
	if protocol.Has(got, "chunk_id") {
		t.Fatal("small payload must not be chunked")
	}
}

func TestPublisher_ChunksOversizedPayload(t *testing.T) {
	hub := &mockSignalCreator{}
	pub := NewPublisher(hub, 7, testLogger())

	text := strings.Repeat("x", 30_000)
	payload := map[string]any{"type": "chat.agent.done", "request_id": "req-9", "message": text}
	if err := pub.Publish(context.Background(), "message.created", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	created := hub.signals()
	if len(created) < 4 {
		t.Fatalf("expected at least 4 chunks for a 30KB payload, got %d", len(created))
	}

	frames := make([]protocol.ChunkEnvelope, 0, len(created))
	chunkIDs := make(map[string]bool)
	for i, sig := range created {
		if sig.signalType != "message.created" {
			t.Fatalf("chunk %d published as %q", i+1, sig.signalType)
		}
		if len(sig.payload) > DefaultMaxPayloadBytes {
			t.Fatalf("chunk frame %d is %d bytes, payload budget is %d", i+1, len(sig.payload), DefaultMaxPayloadBytes)
		}
		if size := pub.envelopeSize("message.created", len(sig.payload)); size > DefaultMaxEnvelopeBytes {
			t.Fatalf("chunk frame %d envelope is %d bytes, budget is %d", i+1, size, DefaultMaxEnvelopeBytes)
		}

		var frame protocol.ChunkEnvelope
		if err := json.Unmarshal(sig.payload, &frame); err != nil {
			t.Fatalf("unmarshal chunk %d: %v", i+1, err)
		}
		if frame.ChunkIndex != i+1 {
			t.Fatalf("chunk %d published with index %d; want contiguous 1-based order", i+1, frame.ChunkIndex)
		}
		if frame.ChunkTotal != len(created) {
			t.Fatalf("chunk %d total = %d, want %d", i+1, frame.ChunkTotal, len(created))
		}
		if frame.RequestID != "req-9" {
			t.Fatalf("chunk %d request_id = %q", i+1, frame.RequestID)
		}
		if frame.ChunkEncoding != protocol.ChunkEncodingBase64JSON {
			t.Fatalf("chunk %d encoding = %q", i+1, frame.ChunkEncoding)
		}
		chunkIDs[frame.ChunkID] = true
		frames = append(frames, frame)
	}
	if len(chunkIDs) != 1 {
		t.Fatalf("chunks span %d ids, want 1", len(chunkIDs))
	}

	round, err := Reassemble(frames)
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(round, &got); err != nil {
		t.Fatalf("unmarshal reassembled payload: %v", err)
	}
	if got["message"] != text {
		t.Fatal("reassembled payload does not match the original")
	}
}

func TestPublisher_CreateFailureSurfaces(t *testing.T) {
	hub := &mockSignalCreator{fail: errors.New("boom")}
	pub := NewPublisher(hub, 7, testLogger())
	if err := pub.Publish(context.Background(), "message.created", map[string]any{"a": 1}); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestReassemble_OutOfOrder(t *testing.T) {
	payload := []byte(`{"k":"verbose value"}`)
	encoded := base64.StdEncoding.EncodeToString(payload)
	half := len(encoded) / 2
	frames := []protocol.ChunkEnvelope{
		{ChunkID: "c", ChunkIndex: 2, ChunkTotal: 2, ChunkEncoding: protocol.ChunkEncodingBase64JSON, ChunkData: encoded[half:]},
		{ChunkID: "c", ChunkIndex: 1, ChunkTotal: 2, ChunkEncoding: protocol.ChunkEncodingBase64JSON, ChunkData: encoded[:half]},
	}
	got, err := Reassemble(frames)
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %q, want %q", got, payload)
	}
}

func TestReassemble_Validation(t *testing.T) {
	if _, err := Reassemble(nil); err == nil {
		t.Fatal("empty frame set should fail")
	}

	missing := []protocol.ChunkEnvelope{
		{ChunkID: "a", ChunkIndex: 1, ChunkTotal: 2, ChunkEncoding: protocol.ChunkEncodingBase64JSON, ChunkData: "aGk="},
	}
	if _, err := Reassemble(missing); err == nil {
		t.Fatal("missing chunk should fail")
	}

	mixed := []protocol.ChunkEnvelope{
		{ChunkID: "a", ChunkIndex: 1, ChunkTotal: 2, ChunkEncoding: protocol.ChunkEncodingBase64JSON},
		{ChunkID: "b", ChunkIndex: 2, ChunkTotal: 2, ChunkEncoding: protocol.ChunkEncodingBase64JSON},
	}
	if _, err := Reassemble(mixed); err == nil {
		t.Fatal("mixed chunk ids should fail")
	}

	badEncoding := []protocol.ChunkEnvelope{
		{ChunkID: "a", ChunkIndex: 1, ChunkTotal: 1, ChunkEncoding: "gzip", ChunkData: "aGk="},
	}
	if _, err := Reassemble(badEncoding); err == nil {
		t.Fatal("unknown encoding should fail")
	}
}
