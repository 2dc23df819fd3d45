package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/serversignal/pkg/protocol"
	"github.com/vango-dev/serversignal/pkg/server"
	"github.com/vango-dev/serversignal/pkg/signal"
)

type board struct {
	Title string   `json:"title"`
	Items []string `json:"items"`
	Score int      `json:"score"`
}

func wsURL(baseURL, path string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + path
}

func startServer(t *testing.T, sig *signal.Signal[board]) (*server.Server, string) {
	t.Helper()
	cfg := server.DefaultServerConfig()
	cfg.CheckOrigin = func(*http.Request) bool { return true }
	srv := server.New(sig, cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, wsURL(ts.URL, "/ws")
}

func runClient[T any](t *testing.T, c *Client[T]) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func fastBackoff() Option {
	return WithBackoff(10*time.Millisecond, 50*time.Millisecond)
}

func TestClientFollowsSignal(t *testing.T) {
	sig, err := signal.NewWithValue("board", board{Title: "todo"})
	require.NoError(t, err)
	srv, url := startServer(t, sig)

	replica, err := signal.NewReplica[board]("board")
	require.NoError(t, err)
	c := New(url, replica, fastBackoff(), WithAckInterval(2))
	runClient(t, c)

	require.Eventually(t, func() bool { return replica.Value().Title == "todo" }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		_, err := sig.Update(func(b *board) {
			b.Items = append(b.Items, strings.Repeat("x", i))
			b.Score += i
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return replica.Seq() == sig.Seq() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, sig.Value(), replica.Value())
	assert.Equal(t, sig.Snapshot().Checksum, replica.Checksum())
	assert.NotEmpty(t, c.ConnID())

	require.Eventually(t, func() bool {
		sessions := srv.Hub().Sessions()
		return len(sessions) == 1 && sessions[0].Stats().Acked == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientReconnectsAndCatchesUp(t *testing.T) {
	sig, err := signal.New[board]("board")
	require.NoError(t, err)
	srv, url := startServer(t, sig)

	replica, err := signal.NewReplica[board]("board")
	require.NoError(t, err)
	c := New(url, replica, fastBackoff())
	runClient(t, c)

	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = sig.Update(func(b *board) { b.Score = 1 })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return replica.Seq() == 1 }, 2*time.Second, 10*time.Millisecond)

	for _, s := range srv.Hub().Sessions() {
		s.Close()
	}
	for i := 2; i <= 5; i++ {
		_, err := sig.Update(func(b *board) { b.Score = i })
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return replica.Seq() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, replica.Value().Score)
	assert.GreaterOrEqual(t, c.Stats().Connects, uint64(2))
}

func TestClientJSONCodec(t *testing.T) {
	sig, err := signal.NewWithValue("board", board{Title: "json", Score: 3})
	require.NoError(t, err)
	srv, url := startServer(t, sig)

	replica, err := signal.NewReplica[board]("board")
	require.NoError(t, err)
	var connected, withHello atomic.Int32
	c := New(url, replica, WithJSON(), fastBackoff(), WithOnConnect(func(h *protocol.ServerHello) {
		connected.Add(1)
		if h != nil {
			withHello.Add(1)
		}
	}))
	runClient(t, c)

	require.Eventually(t, func() bool { return replica.Value().Score == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = sig.Update(func(b *board) { b.Title = "changed" })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return replica.Value().Title == "changed" }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, replica.Seq(), "text updates are unsequenced")
	assert.Positive(t, connected.Load())
	assert.Zero(t, withHello.Load(), "text connections have no handshake")
}

func TestClientJSONIgnoresOtherSignals(t *testing.T) {
	sig, err := signal.NewWithValue("board", board{Title: "json"})
	require.NoError(t, err)
	srv, url := startServer(t, sig)

	replica, err := signal.NewReplica[board]("other")
	require.NoError(t, err)
	c := New(url, replica, WithJSON(), fastBackoff())
	_, done := runClient(t, c)

	require.Eventually(t, func() bool { return srv.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	for i := 1; i <= 3; i++ {
		_, err := sig.Update(func(b *board) { b.Score = i })
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return c.Stats().Skipped >= 4 }, 2*time.Second, 10*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run returned: %v", err)
	default:
	}
	assert.Equal(t, uint64(1), c.Stats().Connects)
	assert.Zero(t, c.Stats().Applied)
	assert.Equal(t, board{}, replica.Value())
}

func TestClientStopsOnUnknownSignal(t *testing.T) {
	sig, err := signal.New[board]("board")
	require.NoError(t, err)
	_, url := startServer(t, sig)

	replica, err := signal.NewReplica[board]("other")
	require.NoError(t, err)
	c := New(url, replica, fastBackoff())
	_, done := runClient(t, c)

	select {
	case err := <-done:
		var he *HandshakeError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, protocol.HandshakeUnknownSignal, he.Status)
		assert.False(t, he.Temporary())
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for a non-retryable handshake error")
	}
}

func TestClientRunReturnsOnCancel(t *testing.T) {
	replica, err := signal.NewReplica[board]("board")
	require.NoError(t, err)
	// Nothing listens here; Run keeps retrying until cancelled.
	c := New("ws://127.0.0.1:1/ws", replica, fastBackoff())
	cancel, done := runClient(t, c)

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestListenWithoutConnect(t *testing.T) {
	replica, err := signal.NewReplica[board]("board")
	require.NoError(t, err)
	c := New("ws://127.0.0.1:1/ws", replica)
	assert.ErrorIs(t, c.Listen(context.Background()), ErrNotConnected)
	assert.NoError(t, c.Close())
}

// scriptedServer speaks the binary protocol by hand: it sends a gapped
// update, expects a resync request and answers it with a snapshot.
func scriptedServer(t *testing.T, resync chan<- *protocol.ResyncRequest) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		send := func(ft protocol.FrameType, payload []byte) {
			_ = conn.WriteMessage(websocket.BinaryMessage, protocol.NewFrame(ft, payload).Encode())
		}

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		send(protocol.FrameHandshake, protocol.EncodeServerHello(protocol.NewServerHello("scripted", 3, 0)))

		gap := &protocol.UpdateFrame{
			Seq:   3,
			Name:  "board",
			Patch: []byte(`[{"op":"replace","path":"/score","value":3}]`),
		}
		send(protocol.FrameUpdate, protocol.EncodeUpdate(gap))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.DecodeFrame(data)
			if err != nil || f.Type != protocol.FrameControl {
				continue
			}
			ct, msg, err := protocol.DecodeControl(f.Payload)
			if err != nil || ct != protocol.ControlResyncRequest {
				continue
			}
			resync <- msg.(*protocol.ResyncRequest)

			doc := []byte(`{"title":"scripted","items":null,"score":3}`)
			sum, _ := signal.Checksum(doc)
			send(protocol.FrameSnapshot, protocol.EncodeSnapshot(&protocol.SnapshotFrame{
				Seq: 3, Name: "board", Doc: doc, Checksum: sum,
			}))
		}
	}))
	t.Cleanup(ts.Close)
	return wsURL(ts.URL, "/")
}

func TestClientRequestsResyncOnGap(t *testing.T) {
	resync := make(chan *protocol.ResyncRequest, 1)
	url := scriptedServer(t, resync)

	replica, err := signal.NewReplica[board]("board")
	require.NoError(t, err)
	c := New(url, replica, fastBackoff())
	runClient(t, c)

	select {
	case rr := <-resync:
		assert.Zero(t, rr.LastSeq)
		assert.Equal(t, replica.Checksum(), rr.Checksum)
	case <-time.After(2 * time.Second):
		t.Fatal("no resync request")
	}

	require.Eventually(t, func() bool { return replica.Seq() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "scripted", replica.Value().Title)
	assert.Equal(t, uint64(1), c.Stats().Resyncs)
}

func TestHandshakeErrorTemporary(t *testing.T) {
	busy := &HandshakeError{Status: protocol.HandshakeServerBusy}
	assert.True(t, busy.Temporary())
	assert.Contains(t, busy.Error(), "ServerBusy")

	var he *HandshakeError
	assert.True(t, errors.As(error(busy), &he))
}
