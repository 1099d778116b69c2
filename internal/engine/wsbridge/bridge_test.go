package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/pkg/streaming"
)

// replyFunc builds the relay's response to one request. Returning nil
// suppresses the reply.
type replyFunc func(env streaming.Envelope) *streaming.Response

type relay struct {
	mu       sync.Mutex
	requests []streaming.Envelope
	secret   string
}

func (r *relay) add(env streaming.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, env)
}

func (r *relay) all() []streaming.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]streaming.Envelope, len(r.requests))
	copy(cp, r.requests)
	return cp
}

// testRelay creates an httptest server that upgrades to WebSocket and
// answers each request with reply.
func testRelay(t *testing.T, reply replyFunc) (*httptest.Server, *relay) {
	t.Helper()
	rl := &relay{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.mu.Lock()
		rl.secret = r.URL.Query().Get("secret")
		rl.mu.Unlock()

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			rl.add(env)

			resp := reply(env)
			if resp == nil {
				continue
			}
			resp.ID = env.ID
			data, _ := json.Marshal(resp)
			if err := c.WriteMessage(ws.TextMessage, data); err != nil {
				return
			}
		}
	}))
	return srv, rl
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func ok(payload any) *streaming.Response {
	resp := &streaming.Response{}
	if payload != nil {
		resp.Payload, _ = json.Marshal(payload)
	}
	return resp
}

func fail(code, msg string) *streaming.Response {
	return &streaming.Response{Error: &streaming.Error{Code: code, Message: msg}}
}

func dial(t *testing.T, srv *httptest.Server, timeout time.Duration) *Bridge {
	t.Helper()
	b := New(Config{URL: wsURL(srv), Secret: "s3cret", RequestTimeout: timeout}, nil)
	require.NoError(t, b.Dial())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDial_SendsSecret(t *testing.T) {
	srv, rl := testRelay(t, func(streaming.Envelope) *streaming.Response { return ok(streaming.CountPayload{Count: 3}) })
	defer srv.Close()

	b := dial(t, srv, time.Second)
	n, err := b.MinExpected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Equal(t, "s3cret", rl.secret)
}

func TestDial_Refused(t *testing.T) {
	b := New(Config{URL: "ws://127.0.0.1:1/engine"}, nil)
	err := b.Dial()
	assert.ErrorIs(t, err, engine.ErrDisconnected)
}

func TestQueries(t *testing.T) {
	srv, rl := testRelay(t, func(env streaming.Envelope) *streaming.Response {
		switch env.Type {
		case streaming.TypeLaneCount:
			return ok(streaming.CountPayload{Count: 4})
		case streaming.TypeLaneLength:
			return ok(streaming.LengthPayload{Length: 312.5})
		case streaming.TypeVehicleTypes:
			return ok(streaming.TypesPayload{TypeIDs: []string{"hv", "cav"}})
		case streaming.TypeTypeParams:
			return ok(streaming.TypeParamsPayload{Length: 5, Width: 1.8, Accel: 2.6, Decel: 4.5, Tau: 1, MinGap: 2.5})
		case streaming.TypeEvents:
			return ok(streaming.EventsPayload{Departed: []string{"v1"}, Arrived: []string{"v0"}})
		case streaming.TypeSubscribe:
			return ok(nil)
		}
		return fail(streaming.CodeProtocol, "unexpected "+env.Type)
	})
	defer srv.Close()

	b := dial(t, srv, time.Second)
	ctx := context.Background()

	lanes, err := b.LaneCount(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, 4, lanes)

	length, err := b.LaneLength(ctx, "3_1")
	require.NoError(t, err)
	assert.InDelta(t, 312.5, length, 1e-9)

	types, err := b.VehicleTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hv", "cav"}, types)

	params, err := b.TypeParams(ctx, "cav")
	require.NoError(t, err)
	assert.InDelta(t, 1.8, params.Width, 1e-9)
	assert.InDelta(t, 2.5, params.MinGap, 1e-9)

	ev, err := b.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ev.Departed)
	assert.Equal(t, []string{"v0"}, ev.Arrived)

	require.NoError(t, b.Subscribe(ctx, "v1"))

	reqs := rl.all()
	require.Len(t, reqs, 6)
	var ref streaming.EdgeRef
	require.NoError(t, json.Unmarshal(reqs[0].Payload, &ref))
	assert.Equal(t, "3", ref.EdgeID)

	ids := map[uint64]bool{}
	for _, r := range reqs {
		assert.False(t, ids[r.ID], "request id %d reused", r.ID)
		ids[r.ID] = true
	}
}

func TestSnapshots_Conversion(t *testing.T) {
	srv, _ := testRelay(t, func(streaming.Envelope) *streaming.Response {
		return ok(streaming.SnapshotsPayload{Vehicles: []streaming.Snapshot{
			{ID: "a", X: 10, Y: -3.2, Speed: 12, Angle: 90, EdgeID: "4", LaneID: "4_1", LaneIndex: 1, LanePos: 10, TypeID: "cav", SpeedLimit: 20, LeaderID: "b", LeaderGap: 18},
			{ID: "b", X: 33, Y: -3.2, Speed: 11, Angle: 90, EdgeID: "4", LaneID: "4_1", LaneIndex: 1, LanePos: 33, TypeID: "hv", SpeedLimit: 20},
		}})
	})
	defer srv.Close()

	b := dial(t, srv, time.Second)
	snaps, err := b.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	a := snaps["a"]
	assert.InDelta(t, -3.2, a.Position.Y, 1e-9)
	assert.Equal(t, "4_1", a.LaneID)
	require.NotNil(t, a.Leader)
	assert.Equal(t, "b", a.Leader.ID)
	assert.InDelta(t, 18, a.Leader.Gap, 1e-9)
	assert.Nil(t, snaps["b"].Leader)
}

func TestErrorCodes(t *testing.T) {
	srv, _ := testRelay(t, func(env streaming.Envelope) *streaming.Response {
		if env.Type == streaming.TypeLaneLength {
			return fail(streaming.CodeUnavailable, "no such lane")
		}
		return fail(streaming.CodeEngine, "engine crashed")
	})
	defer srv.Close()

	b := dial(t, srv, time.Second)

	_, err := b.LaneLength(context.Background(), "9_9")
	assert.True(t, engine.IsTransient(err))
	assert.Contains(t, err.Error(), "lane 9_9")

	_, err = b.MinExpected(context.Background())
	assert.True(t, engine.IsFatal(err))
	assert.ErrorIs(t, err, engine.ErrDisconnected)
}

func TestStep_FlushesQueuedCommandsFirst(t *testing.T) {
	srv, rl := testRelay(t, func(env streaming.Envelope) *streaming.Response {
		if env.Type == streaming.TypeBatch {
			var p streaming.BatchPayload
			_ = json.Unmarshal(env.Payload, &p)
			errs := make([]*streaming.Error, len(p.Commands))
			errs[1] = &streaming.Error{Code: streaming.CodeUnavailable, Message: "vehicle left"}
			return ok(streaming.BatchResult{Errors: errs})
		}
		return ok(nil)
	})
	defer srv.Close()

	b := dial(t, srv, time.Second)
	ctx := context.Background()

	require.NoError(t, b.SetLaneAllowed(ctx, "4_0", []string{"custom1"}))
	require.NoError(t, b.ChangeLane(ctx, "v1", 2, 0.1))
	require.NoError(t, b.SetAcceleration(ctx, "v2", -1.5, 1))
	require.NoError(t, b.SetLaneChangeMode(ctx, "v3", engine.ModeControlled))
	assert.Equal(t, 4, b.Pending())

	require.NoError(t, b.Step(ctx))
	assert.Zero(t, b.Pending())

	reqs := rl.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, streaming.TypeBatch, reqs[0].Type)
	assert.Equal(t, streaming.TypeStep, reqs[1].Type)

	var p streaming.BatchPayload
	require.NoError(t, json.Unmarshal(reqs[0].Payload, &p))
	require.Len(t, p.Commands, 4)
	assert.Equal(t, streaming.CmdSetLaneAllowed, p.Commands[0].Type)
	assert.Equal(t, []string{"custom1"}, p.Commands[0].VClasses)
	assert.Equal(t, 2, p.Commands[1].LaneIndex)
	assert.InDelta(t, -1.5, p.Commands[2].Accel, 1e-9)
	assert.Equal(t, 256, p.Commands[3].Mode)
}

func TestStep_WithoutCommandsSkipsBatch(t *testing.T) {
	srv, rl := testRelay(t, func(streaming.Envelope) *streaming.Response { return ok(nil) })
	defer srv.Close()

	b := dial(t, srv, time.Second)
	require.NoError(t, b.Step(context.Background()))

	reqs := rl.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, streaming.TypeStep, reqs[0].Type)
}

func TestStep_BatchProtocolErrorIsFatal(t *testing.T) {
	srv, _ := testRelay(t, func(env streaming.Envelope) *streaming.Response {
		if env.Type == streaming.TypeBatch {
			return ok(streaming.BatchResult{Errors: []*streaming.Error{{Code: streaming.CodeProtocol, Message: "bad lane index"}}})
		}
		return ok(nil)
	})
	defer srv.Close()

	b := dial(t, srv, time.Second)
	require.NoError(t, b.ChangeLane(context.Background(), "v1", 7, 0.1))

	err := b.Step(context.Background())
	assert.ErrorIs(t, err, engine.ErrDisconnected)
	assert.Contains(t, err.Error(), "bad lane index")
}

func TestRequest_Timeout(t *testing.T) {
	srv, _ := testRelay(t, func(streaming.Envelope) *streaming.Response { return nil })
	defer srv.Close()

	b := dial(t, srv, 50*time.Millisecond)
	_, err := b.MinExpected(context.Background())
	assert.ErrorIs(t, err, engine.ErrDisconnected)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRequest_ContextCancelled(t *testing.T) {
	srv, _ := testRelay(t, func(streaming.Envelope) *streaming.Response { return nil })
	defer srv.Close()

	b := dial(t, srv, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.MinExpected(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelayDisconnectFailsPendingAndLaterCalls(t *testing.T) {
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Read one request, then drop the connection without answering.
		_, _, _ = c.ReadMessage()
		_ = c.Close()
	}))
	defer srv.Close()

	b := dial(t, srv, 5*time.Second)

	err := b.Step(context.Background())
	assert.ErrorIs(t, err, engine.ErrDisconnected)

	err = b.ChangeLane(context.Background(), "v1", 1, 0.1)
	assert.ErrorIs(t, err, engine.ErrDisconnected)
}

func TestClose_Idempotent(t *testing.T) {
	srv, _ := testRelay(t, func(streaming.Envelope) *streaming.Response { return ok(nil) })
	defer srv.Close()

	b := New(Config{URL: wsURL(srv)}, nil)
	require.NoError(t, b.Dial())
	require.NoError(t, b.SetAcceleration(context.Background(), "v1", 1, 1))

	require.NoError(t, b.Close())
	assert.Zero(t, b.Pending())
	require.NoError(t, b.Close())

	_, err := b.MinExpected(context.Background())
	assert.ErrorIs(t, err, engine.ErrDisconnected)
}
