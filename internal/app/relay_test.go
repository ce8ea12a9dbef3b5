package app

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  []core.Frame
	sendErr error
	closed  bool
}

func (c *fakeConn) Send(_ context.Context, f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *fakeConn) TrySend(f core.Frame) error { return c.Send(context.Background(), f) }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) received(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.Parse(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) raw() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

func newTestRelay(t *testing.T, ports ...int) (*Relay, map[int]*fakeConn) {
	t.Helper()
	relay := NewRelay(NewRegistry())
	conns := make(map[int]*fakeConn)
	for _, p := range ports {
		c := &fakeConn{}
		require.NoError(t, relay.Attach(ep(p), c))
		conns[p] = c
	}
	return relay, conns
}

func joinMsg(code string, maxUsers int) []byte {
	return []byte(fmt.Sprintf(`{"action":"join_session","session_code":%q,"max_users":%d}`, code, maxUsers))
}

func TestRelayBroadcastsIdenticalReadyOnce(t *testing.T) {
	ctx := context.Background()
	ports := []int{5001, 5002, 5003, 5004}
	relay, conns := newTestRelay(t, ports...)

	for i, p := range ports {
		require.NoError(t, relay.OnMessage(ctx, ep(p), joinMsg("abc", len(ports))))
		if i < len(ports)-1 {
			for _, c := range conns {
				assert.Empty(t, c.raw(), "no ready before the session fills")
			}
		}
	}

	want := protocol.SessionReady{Peers: []domain.Endpoint{ep(5001), ep(5002), ep(5003), ep(5004)}}
	for _, p := range ports {
		msgs := conns[p].received(t)
		require.Len(t, msgs, 1, "member %d", p)
		assert.Equal(t, want, msgs[0])
	}
}

func TestRelayScenarioTwoPeers(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001, 5002)

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("abc", 2)))
	require.NoError(t, relay.OnMessage(ctx, ep(5002), joinMsg("abc", 2)))

	offer := []byte(`{"sdp":{"type":"offer","sdp":"v=0 offer"},"source":["127.0.0.1",5002],"target":["127.0.0.1",5001]}`)
	require.NoError(t, relay.OnMessage(ctx, ep(5002), offer))
	answer := []byte(`{"sdp":{"type":"answer","sdp":"v=0 answer"},"source":["127.0.0.1",5001],"target":["127.0.0.1",5002]}`)
	require.NoError(t, relay.OnMessage(ctx, ep(5001), answer))

	a := conns[5001].raw()
	require.Len(t, a, 2)
	assert.Equal(t, offer, []byte(a[1]), "forwarded verbatim")

	b := conns[5002].raw()
	require.Len(t, b, 2)
	assert.Equal(t, answer, []byte(b[1]))
}

func TestRelayUnknownTargetIsDropped(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001, 5002, 6001)

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("abc", 2)))
	require.NoError(t, relay.OnMessage(ctx, ep(5002), joinMsg("abc", 2)))

	// 6001 is connected but not in the session.
	offer := []byte(`{"sdp":{"type":"offer","sdp":"v=0"},"source":["127.0.0.1",5002],"target":["127.0.0.1",6001]}`)
	err := relay.OnMessage(ctx, ep(5002), offer)
	require.ErrorIs(t, err, domain.ErrUnknownTarget)
	assert.Empty(t, conns[6001].raw())

	// A sender outside any session cannot route either.
	offer = []byte(`{"sdp":{"type":"offer","sdp":"v=0"},"source":["127.0.0.1",6001],"target":["127.0.0.1",5001]}`)
	err = relay.OnMessage(ctx, ep(6001), offer)
	require.ErrorIs(t, err, domain.ErrUnknownTarget)
}

func TestRelayMalformedDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001)

	err := relay.OnMessage(ctx, ep(5001), []byte(`{"action":"join_session"`))
	require.ErrorIs(t, err, domain.ErrMalformedMessage)
	err = relay.OnMessage(ctx, ep(5001), []byte(`{"hello":"world"}`))
	require.ErrorIs(t, err, domain.ErrMalformedMessage)

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("solo", 1)))
	msgs := conns[5001].received(t)
	require.Len(t, msgs, 3)
	for _, m := range msgs[:2] {
		reply, ok := m.(protocol.Error)
		require.True(t, ok)
		assert.Equal(t, protocol.CodeBadRequest, reply.Code)
	}
	assert.Equal(t, protocol.SessionReady{Peers: []domain.Endpoint{ep(5001)}}, msgs[2])
	assert.False(t, conns[5001].isClosed())
}

func TestRelayRejectsOversizedJoin(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001, 5002)

	for _, size := range []string{"9223372036854775807", "4000000000", "257"} {
		data := []byte(`{"action":"join_session","session_code":"x","max_users":` + size + `}`)
		err := relay.OnMessage(ctx, ep(5001), data)
		require.ErrorIs(t, err, domain.ErrMalformedMessage, "max_users %s", size)
	}
	assert.Empty(t, relay.Registry.List())

	msgs := conns[5001].received(t)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, protocol.CodeBadRequest, m.(protocol.Error).Code)
	}

	// The relay keeps serving other sessions.
	require.NoError(t, relay.OnMessage(ctx, ep(5002), joinMsg("other", 1)))
	assert.Len(t, conns[5002].received(t), 1)
}

func TestRelayRejectsJoinBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001, 5002, 5003)

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("abc", 2)))
	require.NoError(t, relay.OnMessage(ctx, ep(5002), joinMsg("abc", 2)))

	err := relay.OnMessage(ctx, ep(5003), joinMsg("abc", 2))
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	msgs := conns[5003].received(t)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeCapacityExceeded, reply.Code)
	assert.False(t, conns[5003].isClosed(), "connection stays open")

	// The rejected endpoint can still join another session.
	require.NoError(t, relay.OnMessage(ctx, ep(5003), joinMsg("other", 1)))
}

func TestRelayRejectsSecondJoin(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001)

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("abc", 2)))
	err := relay.OnMessage(ctx, ep(5001), joinMsg("xyz", 2))
	require.ErrorIs(t, err, domain.ErrAlreadyJoined)

	msgs := conns[5001].received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.CodeAlreadyJoined, msgs[0].(protocol.Error).Code)
}

func TestRelayRejectsServerMessagesFromClients(t *testing.T) {
	ctx := context.Background()
	relay, _ := newTestRelay(t, 5001)

	err := relay.OnMessage(ctx, ep(5001), []byte(`{"action":"start_session","peers":[["127.0.0.1",5001]]}`))
	require.ErrorIs(t, err, domain.ErrUnexpectedMessage)
	err = relay.OnMessage(ctx, ep(5001), []byte(`{"action":"error","code":"bad_request"}`))
	require.ErrorIs(t, err, domain.ErrUnexpectedMessage)
}

func TestRelayDetachLeavesSession(t *testing.T) {
	ctx := context.Background()
	relay, _ := newTestRelay(t, 5001)

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("abc", 2)))
	_, ok := relay.Registry.Members("abc")
	require.True(t, ok)

	relay.Detach(ep(5001))
	_, ok = relay.Registry.Members("abc")
	assert.False(t, ok)

	// The endpoint may reconnect after detaching.
	require.NoError(t, relay.Attach(ep(5001), &fakeConn{}))
	assert.ErrorIs(t, relay.Attach(ep(5001), &fakeConn{}), domain.ErrDuplicateEndpoint)
}

func TestRelayDisconnectsOnBackpressure(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001, 5002)
	conns[5001].sendErr = ErrBackpressure

	require.NoError(t, relay.OnMessage(ctx, ep(5001), joinMsg("abc", 2)))
	err := relay.OnMessage(ctx, ep(5002), joinMsg("abc", 2))
	require.ErrorIs(t, err, ErrBackpressure)

	assert.True(t, conns[5001].isClosed())
	assert.False(t, conns[5002].isClosed())
	assert.Len(t, conns[5002].received(t), 1, "remaining members still get ready")
}

type denyAll struct{}

func (denyAll) Allow(domain.Endpoint) bool { return false }

func TestRelayJoinLimiter(t *testing.T) {
	ctx := context.Background()
	relay, conns := newTestRelay(t, 5001)
	relay.Limiter = denyAll{}

	err := relay.OnMessage(ctx, ep(5001), joinMsg("abc", 1))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	msgs := conns[5001].received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.CodeRateLimited, msgs[0].(protocol.Error).Code)
}
