// Package transport carries session signals between the supervisor and the
// hub: a signed private-channel websocket subscription for the inbound
// direction and a size-aware publisher that splits oversized payloads into
// base64 chunk frames for the outbound direction.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// Byte budgets for outbound signals. The payload budget bounds the signal
// payload object; the envelope budget bounds the full signal row the hub fans
// out to browsers (id, session id, sender, type, payload, timestamp).
const (
	DefaultMaxPayloadBytes  = 9000
	DefaultMaxEnvelopeBytes = 10000

	// chunkSolveRounds caps the chunk-count iteration. The count feeds back
	// into the per-frame skeleton size through the index digits, so the
	// solve loops until stable.
	chunkSolveRounds = 6
)

// envelopeStamp is a fixed worst-width timestamp used when estimating the
// envelope the hub will build around a payload. RFC 3339 with full nanosecond
// digits, so real timestamps never exceed the estimate.
var envelopeStamp = time.Date(2026, time.January, 2, 15, 4, 5, 999999999, time.UTC)

// envelopeSentinelID stands in for the hub-assigned signal id when sizing.
const envelopeSentinelID = int64(9_999_999_999)

// SignalCreator is the hub capability the publisher needs.
type SignalCreator interface {
	CreateSignal(ctx context.Context, sessionID int64, signalType string, payload any) (*protocol.Signal, int, error)
}

// Publisher posts session signals to the hub, transparently chunking any
// payload whose signal envelope would exceed the wire budgets.
type Publisher struct {
	hub         SignalCreator
	sessionID   int64
	maxPayload  int
	maxEnvelope int
	logger      *slog.Logger
}

// NewPublisher creates a publisher for one session using the default budgets.
func NewPublisher(hub SignalCreator, sessionID int64, logger *slog.Logger) *Publisher {
	return &Publisher{
		hub:         hub,
		sessionID:   sessionID,
		maxPayload:  DefaultMaxPayloadBytes,
		maxEnvelope: DefaultMaxEnvelopeBytes,
		logger:      logger.With("component", "transport.publisher", "session_id", sessionID),
	}
}

// Publish posts one signal. Payloads that fit both budgets go out verbatim;
// anything larger is base64-encoded and split into chunk frames published
// sequentially in index order, all sharing one chunk id.
func (p *Publisher) Publish(ctx context.Context, signalType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", signalType, err)
	}
	if len(payloadJSON) <= p.maxPayload && p.envelopeSize(signalType, len(payloadJSON)) <= p.maxEnvelope {
		if _, _, err := p.hub.CreateSignal(ctx, p.sessionID, signalType, json.RawMessage(payloadJSON)); err != nil {
			return fmt.Errorf("publish %s: %w", signalType, err)
		}
		return nil
	}
	return p.publishChunked(ctx, signalType, payloadJSON)
}

func (p *Publisher) publishChunked(ctx context.Context, signalType string, payloadJSON []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payloadJSON)

	// The peer correlates chunk frames by request id when the original
	// payload carried one.
	var fields map[string]any
	_ = json.Unmarshal(payloadJSON, &fields)
	requestID := protocol.Str(fields, "request_id")

	chunkID := uuid.New().String()
	count := 1
	budget := 0
	for round := 0; round < chunkSolveRounds; round++ {
		budget = p.chunkDataBudget(signalType, chunkID, requestID, count)
		if budget <= 0 {
			return fmt.Errorf("publish %s: payload of %d bytes cannot fit chunk budgets (%d payload / %d envelope)",
				signalType, len(payloadJSON), p.maxPayload, p.maxEnvelope)
		}
		next := (len(encoded) + budget - 1) / budget
		if next == count {
			break
		}
		count = next
	}

	p.logger.Debug("chunking oversized signal",
		"type", signalType,
		"payload_bytes", len(payloadJSON),
		"chunks", count,
		"chunk_id", chunkID)

	for i := 0; i < count; i++ {
		start := i * budget
		end := start + budget
		if end > len(encoded) {
			end = len(encoded)
		}
		frame := protocol.ChunkEnvelope{
			ChunkID:       chunkID,
			ChunkIndex:    i + 1,
			ChunkTotal:    count,
			ChunkEncoding: protocol.ChunkEncodingBase64JSON,
			ChunkData:     encoded[start:end],
			RequestID:     requestID,
		}
		if _, _, err := p.hub.CreateSignal(ctx, p.sessionID, signalType, frame); err != nil {
			return fmt.Errorf("publish %s chunk %d/%d: %w", signalType, i+1, count, err)
		}
	}
	return nil
}

// envelopeSize estimates the on-wire size of the signal row the hub builds
// around a payload of the given encoded length.
func (p *Publisher) envelopeSize(signalType string, payloadLen int) int {
	skeleton := protocol.Signal{
		ID:        envelopeSentinelID,
		SessionID: p.sessionID,
		Sender:    protocol.SenderBrowser,
		Type:      signalType,
		CreatedAt: envelopeStamp,
	}
	b, err := json.Marshal(skeleton)
	if err != nil {
		return payloadLen
	}
	return len(b) + len(`,"payload":`) + payloadLen
}

// chunkDataBudget returns how many base64 bytes fit in one chunk frame given
// the frame skeleton at the widest index the count produces.
func (p *Publisher) chunkDataBudget(signalType, chunkID, requestID string, count int) int {
	skeleton := protocol.ChunkEnvelope{
		ChunkID:       chunkID,
		ChunkIndex:    count,
		ChunkTotal:    count,
		ChunkEncoding: protocol.ChunkEncodingBase64JSON,
		RequestID:     requestID,
	}
	b, err := json.Marshal(skeleton)
	if err != nil {
		return 0
	}
	limit := p.maxPayload
	if byEnvelope := p.maxEnvelope - p.envelopeSize(signalType, 0); byEnvelope < limit {
		limit = byEnvelope
	}
	return limit - len(b)
}

// Reassemble reconstructs the original payload JSON from a set of chunk
// frames. Frames may arrive in any order but must share one chunk id and
// cover every index from 1 to chunk_total exactly once.
func Reassemble(frames []protocol.ChunkEnvelope) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("reassemble: no frames")
	}
	sorted := make([]protocol.ChunkEnvelope, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	first := sorted[0]
	if first.ChunkEncoding != protocol.ChunkEncodingBase64JSON {
		return nil, fmt.Errorf("reassemble: unsupported encoding %q", first.ChunkEncoding)
	}
	if len(sorted) != first.ChunkTotal {
		return nil, fmt.Errorf("reassemble: have %d frames, chunk_total is %d", len(sorted), first.ChunkTotal)
	}
	var data []byte
	for i, frame := range sorted {
		if frame.ChunkID != first.ChunkID {
			return nil, fmt.Errorf("reassemble: mixed chunk ids %q and %q", first.ChunkID, frame.ChunkID)
		}
		if frame.ChunkIndex != i+1 {
			return nil, fmt.Errorf("reassemble: missing chunk %d of %d", i+1, first.ChunkTotal)
		}
		data = append(data, frame.ChunkData...)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("reassemble: decode chunk data: %w", err)
	}
	return decoded, nil
}
