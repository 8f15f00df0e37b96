package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/dispatch"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/session"
	testutils "github.com/drpcorg/fabric/test_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pipeID   object.ID = 1
	windowID object.ID = 10
)

type node struct {
	env      *Env
	pipe     *Pipe
	lock     sync.Mutex
	backends map[string]*MockBackend
}

func newNode(t *testing.T) *node {
	n := &node{backends: make(map[string]*MockBackend)}
	d := dispatch.New(dispatch.Options{})
	t.Cleanup(func() { _ = d.Close() })
	n.env = &Env{
		Session:    session.New(session.Options{}),
		Dispatcher: d,
		Backends: func(name string) Backend {
			n.lock.Lock()
			defer n.lock.Unlock()
			b := &MockBackend{}
			n.backends[name] = b
			return b
		},
	}
	p, err := NewPipe(n.env, pipeID, "pipe")
	require.NoError(t, err)
	n.pipe = p
	return n
}

func (n *node) backend(name string) *MockBackend {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.backends[name]
}

func (n *node) request(t *testing.T, op command.Op, dest object.ID, body any) *command.Reply {
	var payload []byte
	if raw, ok := body.(rawPayload); ok {
		payload = raw
	} else if body != nil {
		var err error
		payload, err = command.Marshal(body)
		require.NoError(t, err)
	}
	pend, err := n.env.Dispatcher.Request(context.Background(), &command.Packet{Op: op, Dest: uint64(dest), Payload: payload})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := pend.Wait(ctx)
	require.NoError(t, err)
	return r
}

func (n *node) window(t *testing.T) *Window {
	r := n.request(t, command.OpPipeCreateWindow, pipeID, command.CreateChild{ID: uint64(windowID), Name: "main"})
	require.True(t, r.OK(), r.Error)
	w, ok := n.pipe.Window(windowID)
	require.True(t, ok)
	return w
}

func TestWindow_Init(t *testing.T) {
	n := newNode(t)
	w := n.window(t)
	w.SetViewport(command.Viewport{W: 1920, H: 1080})
	assert.Equal(t, Uninitialized, w.State())

	r := n.request(t, command.OpWindowInit, windowID, nil)
	require.True(t, r.OK(), r.Error)
	var ir command.InitReply
	require.NoError(t, r.Decode(&ir))
	assert.True(t, ir.OK)
	assert.Equal(t, int32(1920), ir.Viewport.W)
	assert.Equal(t, Running, w.State())
	assert.Equal(t, int32(1), n.backend("main").Inits.Load())

	r = n.request(t, command.OpWindowInit, windowID, nil)
	assert.Equal(t, command.StatusResourceState, r.Status)
	assert.Equal(t, Running, w.State())
	assert.Equal(t, int32(1), n.backend("main").Inits.Load())

	r = n.request(t, command.OpWindowExit, windowID, nil)
	require.True(t, r.OK(), r.Error)
	var er command.ExitReply
	require.NoError(t, r.Decode(&er))
	assert.True(t, er.OK)
	assert.Equal(t, Uninitialized, w.State())
	assert.Equal(t, int32(1), n.backend("main").Exits.Load())
}

func TestWindow_InitFailureCarriesMessage(t *testing.T) {
	n := newNode(t)
	w := n.window(t)
	n.backend("main").FailWith("no display :0")

	r := n.request(t, command.OpWindowInit, windowID, nil)
	assert.Equal(t, command.StatusFailed, r.Status)
	assert.Equal(t, "no display :0", r.Error)
	var ir command.InitReply
	require.NoError(t, r.Decode(&ir))
	assert.False(t, ir.OK)
	assert.Equal(t, "no display :0", ir.Error)
	assert.Equal(t, Uninitialized, w.State())
	assert.Equal(t, "no display :0", w.ErrorMessage())

	// a later init may succeed and clears the message
	n.backend("main").FailWith("")
	r = n.request(t, command.OpWindowInit, windowID, nil)
	assert.True(t, r.OK())
	assert.Empty(t, w.ErrorMessage())
}

func TestWindow_ExitWhileUninitialized(t *testing.T) {
	n := newNode(t)
	w := n.window(t)

	r := n.request(t, command.OpWindowExit, windowID, nil)
	assert.Equal(t, command.StatusResourceState, r.Status)
	assert.ErrorIs(t, r.Err(), command.ErrResourceState)
	assert.NotEmpty(t, r.Error)
	assert.Equal(t, Uninitialized, w.State())
	assert.Zero(t, n.backend("main").Exits.Load())
}

func TestWindow_Initializing(t *testing.T) {
	n := newNode(t)
	w := n.window(t)
	gate := make(chan struct{})
	n.backend("main").Gate = gate

	pend, err := n.env.Dispatcher.Request(context.Background(), &command.Packet{Op: command.OpWindowInit, Dest: uint64(windowID)})
	require.NoError(t, err)
	assert.Equal(t, Initializing, w.State())

	r := n.request(t, command.OpWindowExit, windowID, nil)
	assert.Equal(t, command.StatusResourceState, r.Status)
	assert.Equal(t, Initializing, w.State())

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err = pend.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, Running, w.State())
}

func TestWindow_CreateChannelTwice(t *testing.T) {
	n := newNode(t)
	w := n.window(t)

	r := n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42, Name: "left"})
	require.True(t, r.OK(), r.Error)
	first, ok := w.Channel(42)
	require.True(t, ok)
	assert.Equal(t, windowID, first.Window())

	r = n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42, Name: "right"})
	assert.Equal(t, command.StatusResourceState, r.Status)

	kept, ok := w.Channel(42)
	require.True(t, ok)
	assert.Same(t, first, kept)
	assert.Equal(t, "left", kept.Name())
	o, ok := n.env.Session.Lookup(42)
	require.True(t, ok)
	assert.Same(t, first.Object, o)

	// ids used by any other object are refused too
	r = n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: uint64(pipeID)})
	assert.Equal(t, command.StatusResourceState, r.Status)
	assert.Equal(t, []object.ID{42}, w.Channels())
}

func TestWindow_DestroyChannel(t *testing.T) {
	n := newNode(t)
	w := n.window(t)

	r := n.request(t, command.OpWindowDestroyChannel, windowID, command.DestroyChild{ID: 77})
	assert.True(t, r.OK(), "destroying an unknown id is a no-op")

	r = n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42})
	require.True(t, r.OK())
	r = n.request(t, command.OpWindowDestroyChannel, windowID, command.DestroyChild{ID: 42})
	require.True(t, r.OK())
	assert.Empty(t, w.Channels())
	_, ok := n.env.Session.Lookup(42)
	assert.False(t, ok)

	r = n.request(t, command.OpObjectDelta, 42, nil)
	assert.Equal(t, command.StatusUnknown, r.Status)

	// the id is free again
	r = n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42})
	assert.True(t, r.OK())
}

func TestWindow_MalformedPayload(t *testing.T) {
	n := newNode(t)
	n.window(t)
	pend, err := n.env.Dispatcher.Request(context.Background(), &command.Packet{
		Op: command.OpWindowCreateChannel, Dest: uint64(windowID), Payload: []byte{0xff},
	})
	require.NoError(t, err)
	r, err := pend.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, command.StatusProtocolError, r.Status)

	r = n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{})
	assert.Equal(t, command.StatusProtocolError, r.Status)
}

func TestPipe_DestroyWindow(t *testing.T) {
	n := newNode(t)
	n.window(t)
	require.True(t, n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42}).OK())
	require.True(t, n.request(t, command.OpWindowInit, windowID, nil).OK())

	r := n.request(t, command.OpPipeDestroyWindow, pipeID, command.DestroyChild{ID: uint64(windowID)})
	assert.Equal(t, command.StatusResourceState, r.Status)

	require.True(t, n.request(t, command.OpWindowExit, windowID, nil).OK())
	r = n.request(t, command.OpPipeDestroyWindow, pipeID, command.DestroyChild{ID: uint64(windowID)})
	require.True(t, r.OK())
	_, ok := n.pipe.Window(windowID)
	assert.False(t, ok)
	_, ok = n.env.Session.Lookup(42)
	assert.False(t, ok)

	r = n.request(t, command.OpPipeDestroyWindow, pipeID, command.DestroyChild{ID: uint64(windowID)})
	assert.True(t, r.OK())
}

func TestPipe_Close(t *testing.T) {
	n := newNode(t)
	n.window(t)
	require.NoError(t, n.pipe.Close())
	_, ok := n.env.Session.Lookup(windowID)
	assert.False(t, ok)
	r := n.request(t, command.OpWindowInit, windowID, nil)
	assert.Equal(t, command.StatusUnknown, r.Status)

	_, err := NewPipe(n.env, pipeID, "again")
	assert.NoError(t, err)
}

func TestPipe_CloseExitsRunningWindow(t *testing.T) {
	n := newNode(t)
	w := n.window(t)
	require.True(t, n.request(t, command.OpWindowInit, windowID, nil).OK())
	require.Equal(t, Running, w.State())

	require.NoError(t, n.pipe.Close())
	assert.Equal(t, int32(1), n.backend("main").Exits.Load())
	assert.Equal(t, Uninitialized, w.State())
}

func TestPipe_CloseWaitsForQueuedInit(t *testing.T) {
	n := newNode(t)
	w := n.window(t)
	require.True(t, n.request(t, command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42}).OK())
	gate := make(chan struct{})
	n.backend("main").Gate = gate

	pend, err := n.env.Dispatcher.Request(context.Background(), &command.Packet{Op: command.OpWindowInit, Dest: uint64(windowID)})
	require.NoError(t, err)
	require.Equal(t, Initializing, w.State())

	closed := make(chan error, 1)
	go func() { closed <- n.pipe.Close() }()
	select {
	case <-closed:
		t.Fatal("close returned while init was still queued")
	case <-time.After(50 * time.Millisecond):
	}
	_, ok := n.env.Session.Lookup(windowID)
	assert.True(t, ok, "window released before its init ran")

	close(gate)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close never returned")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := pend.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, r.OK(), r.Error)

	assert.Equal(t, int32(1), n.backend("main").Inits.Load())
	assert.Equal(t, int32(1), n.backend("main").Exits.Load())
	assert.Equal(t, Uninitialized, w.State())
	for _, id := range []object.ID{windowID, 42} {
		_, ok := n.env.Session.Lookup(id)
		assert.False(t, ok)
	}
}

func TestWindow_MirrorAppliesDeltas(t *testing.T) {
	master, mirror := newNode(t), newNode(t)
	mw, rw := master.window(t), mirror.window(t)

	// bring the mirror to the master's creation state
	r := mirror.request(t, command.OpObjectDelta, windowID, deltaBody(t, mw.Snapshot()))
	require.True(t, r.OK(), r.Error)

	var deltas []object.Delta
	master.env.Session.OnCommit(func(d object.Delta) { deltas = append(deltas, d) })
	mw.SetViewport(command.Viewport{X: 5, W: 800, H: 600})
	mw.CommitNB()
	require.Len(t, deltas, 1)

	r = mirror.request(t, command.OpObjectDelta, windowID, deltaBody(t, deltas[0]))
	require.True(t, r.OK(), r.Error)
	var version uint64
	require.NoError(t, r.Decode(&version))
	assert.Equal(t, mw.Version(), version)
	assert.Equal(t, mw.Viewport(), rw.Viewport())

	// replaying the same delta is a version gap
	r = mirror.request(t, command.OpObjectDelta, windowID, deltaBody(t, deltas[0]))
	assert.Equal(t, command.StatusFailed, r.Status)
	assert.Contains(t, mirror.env.Session.Inconsistent(), windowID)
}

// deltaBody wraps raw delta bytes so request can send them unchanged.
type rawPayload []byte

func deltaBody(t *testing.T, d object.Delta) rawPayload {
	b, err := d.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestWindow_RemoteRequests(t *testing.T) {
	n := newNode(t)
	w := n.window(t)
	client := dispatch.New(dispatch.Options{NodeID: 2})
	t.Cleanup(func() { _ = client.Close() })
	defer testutils.Link(n.env.Dispatcher, client)()

	ask := func(op command.Op, dest object.ID, body any) *command.Reply {
		var payload []byte
		if body != nil {
			var err error
			payload, err = command.Marshal(body)
			require.NoError(t, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pend, err := client.Request(ctx, &command.Packet{Op: op, Dest: uint64(dest), Payload: payload})
		require.NoError(t, err)
		r, err := pend.Wait(ctx)
		require.NoError(t, err)
		return r
	}

	r := ask(command.OpWindowInit, windowID, nil)
	require.True(t, r.OK(), r.Error)
	assert.Equal(t, Running, w.State())

	r = ask(command.OpWindowCreateChannel, windowID, command.CreateChild{ID: 42, Name: "left"})
	require.True(t, r.OK(), r.Error)
	_, ok := w.Channel(42)
	assert.True(t, ok)

	r = ask(command.OpWindowInit, 999, nil)
	assert.Equal(t, command.StatusUnknown, r.Status)
}
