package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nekozawa/commchat/server/live"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newSession creates a minimal live.Session for testing.
func newSession(userID, username string) *live.Session {
	return &live.Session{
		ConnID:   userID + "-conn",
		UserID:   userID,
		Username: username,
		SendChan: make(chan []byte, 256),
		Done:     make(chan struct{}),
	}
}

func makePacket(t *testing.T, seq uint64, msgType string, payload interface{}) []byte {
	t.Helper()
	p, _ := json.Marshal(payload)
	pkt := live.Packet{Seq: seq, Type: msgType, Payload: p}
	b, err := json.Marshal(pkt)
	require.NoError(t, err)
	return b
}

func readPacket(t *testing.T, s *live.Session) *live.Packet {
	t.Helper()
	select {
	case data := <-s.SendChan:
		var pkt live.Packet
		require.NoError(t, json.Unmarshal(data, &pkt))
		return &pkt
	case <-time.After(time.Second):
		t.Fatal("no packet on session")
		return nil
	}
}

func TestRouter_On_Dispatch_Basic(t *testing.T) {
	r := NewRouter(zap.NewNop())
	called := false
	r.On("ping", func(ctx context.Context, s *live.Session, payload json.RawMessage) error {
		called = true
		return nil
	})

	s := newSession("u1", "User One")
	r.Dispatch(s, makePacket(t, 1, "ping", nil))
	assert.True(t, called)
}

func TestRouter_Dispatch_MalformedJSON(t *testing.T) {
	r := NewRouter(zap.NewNop())
	s := newSession("u1", "User One")
	r.Dispatch(s, []byte("not json"))

	// The offending connection hears about it.
	pkt := readPacket(t, s)
	assert.Equal(t, "error", pkt.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(pkt.Payload, &payload))
	assert.NotEmpty(t, payload["message"])
}

func TestRouter_Dispatch_UnknownType(t *testing.T) {
	r := NewRouter(zap.NewNop())
	called := false
	r.On("known", func(_ context.Context, _ *live.Session, _ json.RawMessage) error {
		called = true
		return nil
	})
	s := newSession("u1", "User One")
	r.Dispatch(s, makePacket(t, 1, "unknown", nil))
	assert.False(t, called)

	pkt := readPacket(t, s)
	assert.Equal(t, "error", pkt.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(pkt.Payload, &payload))
	assert.Equal(t, "unknown", payload["signal"])
	assert.NotEmpty(t, payload["message"])
}

func TestRouter_Dispatch_AntiReplay_RejectsOldSeq(t *testing.T) {
	r := NewRouter(zap.NewNop())
	var callCount int
	r.On("msg", func(_ context.Context, _ *live.Session, _ json.RawMessage) error {
		callCount++
		return nil
	})
	s := newSession("u1", "User One")

	r.Dispatch(s, makePacket(t, 5, "msg", nil))
	assert.Equal(t, 1, callCount)

	// Same seq → rejected (replay)
	r.Dispatch(s, makePacket(t, 5, "msg", nil))
	assert.Equal(t, 1, callCount)

	// Lower seq → rejected
	r.Dispatch(s, makePacket(t, 3, "msg", nil))
	assert.Equal(t, 1, callCount)
}

func TestRouter_Dispatch_SeqZero_SkipsAntiReplay(t *testing.T) {
	r := NewRouter(zap.NewNop())
	var callCount int
	r.On("msg", func(_ context.Context, _ *live.Session, _ json.RawMessage) error {
		callCount++
		return nil
	})
	s := newSession("u1", "User One")
	s.LastSeq = 100

	r.Dispatch(s, makePacket(t, 0, "msg", nil))
	r.Dispatch(s, makePacket(t, 0, "msg", nil))
	assert.Equal(t, 2, callCount)
}

func TestRouter_Dispatch_PayloadPassed(t *testing.T) {
	r := NewRouter(zap.NewNop())
	var got map[string]interface{}
	r.On("data", func(_ context.Context, _ *live.Session, raw json.RawMessage) error {
		return json.Unmarshal(raw, &got)
	})
	s := newSession("u1", "User One")
	r.Dispatch(s, makePacket(t, 1, "data", map[string]interface{}{"key": "value"}))
	assert.Equal(t, "value", got["key"])
}

func TestRouter_Dispatch_HandlerError_SentToSession(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.On("err", func(_ context.Context, _ *live.Session, _ json.RawMessage) error {
		return assert.AnError
	})
	s := newSession("u1", "User One")
	r.Dispatch(s, makePacket(t, 1, "err", nil))

	// The failure lands on the offending connection only.
	pkt := readPacket(t, s)
	assert.Equal(t, "error", pkt.Type)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(pkt.Payload, &payload))
	assert.Equal(t, "err", payload["signal"])
	assert.NotEmpty(t, payload["message"])
}

func TestRouter_TraceIDFromCtx_Present(t *testing.T) {
	r := NewRouter(zap.NewNop())
	var traceID string
	r.On("trace", func(ctx context.Context, _ *live.Session, _ json.RawMessage) error {
		traceID = TraceIDFromCtx(ctx)
		return nil
	})
	s := newSession("u1", "User One")
	r.Dispatch(s, makePacket(t, 1, "trace", nil))
	assert.NotEmpty(t, traceID)
}

func TestTraceIDFromCtx_Missing(t *testing.T) {
	id := TraceIDFromCtx(context.Background())
	assert.Equal(t, "", id)
}

func TestRouter_ReplaceHandler(t *testing.T) {
	r := NewRouter(zap.NewNop())
	var calls []string
	r.On("msg", func(_ context.Context, _ *live.Session, _ json.RawMessage) error {
		calls = append(calls, "first")
		return nil
	})
	r.On("msg", func(_ context.Context, _ *live.Session, _ json.RawMessage) error {
		calls = append(calls, "second")
		return nil
	})
	s := newSession("u1", "User One")
	r.Dispatch(s, makePacket(t, 1, "msg", nil))
	assert.Equal(t, []string{"second"}, calls)
}
