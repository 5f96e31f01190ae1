package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "0")
}

// fakeTransport records outgoing frames and lets tests drive the handler.
type fakeTransport struct {
	mu       sync.Mutex
	handler  TransportHandler
	sent     []string
	sendErr  error
	startErr error
	closed   int
}

func (f *fakeTransport) Start(handler TransportHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.handler = handler
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) last(t *testing.T) string {
	t.Helper()
	frames := f.frames()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) deliver(frame string) {
	f.handler.OnMessage([]byte(frame))
}

// newConnectedClient returns a client that completed the handshake with session "s1".
func newConnectedClient(t *testing.T, config *Config) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := NewClient(ft, config)
	require.NoError(t, c.Connect(nil))
	ft.handler.OnOpen()
	ft.deliver(`{"msg":"connected","session":"s1"}`)
	require.Equal(t, Connected, c.State())
	return c, ft
}

type completionCall struct {
	result json.RawMessage
	err    error
}

func recordCompletions() (*[]completionCall, Completion) {
	var calls []completionCall
	return &calls, func(result json.RawMessage, err error) {
		calls = append(calls, completionCall{result, err})
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestClient_OperationsRequireConnected(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, nil)
	assert.Equal(t, Disconnected, c.State())

	_, err := c.Call("m", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Subscribe("todos", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe("1"), ErrNotConnected)

	// still not allowed during the handshake
	require.NoError(t, c.Connect(nil))
	ft.handler.OnOpen()
	_, err = c.Apply("m", []any{1}, nil)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "call", stateErr.Op)
	assert.Equal(t, Connecting, stateErr.State)

	// only the handshake went out
	assert.Len(t, ft.frames(), 1)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_HandshakeOnOpen(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, nil)
	require.NoError(t, c.Connect(nil))
	assert.Equal(t, Connecting, c.State())
	assert.Empty(t, ft.frames(), "nothing is sent before the transport opens")

	ft.handler.OnOpen()
	ft.handler.OnOpen()
	frames := ft.frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"msg":"connect","version":"1","support":["1","pre2","pre1"]}`, frames[0])
}

func TestClient_HandshakeUsesConfig(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, &Config{Version: "pre1"})
	require.NoError(t, c.Connect(nil))
	ft.handler.OnOpen()
	assert.JSONEq(t, `{"msg":"connect","version":"pre1","support":["pre1"]}`, ft.last(t))
}

func TestClient_ConnectTwice(t *testing.T) {
	c, _ := newConnectedClient(t, nil)

	err := c.Connect(nil)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "connect", stateErr.Op)
	assert.Equal(t, Connected, stateErr.State)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ConnectStartFails(t *testing.T) {
	boom := errors.New("dial refused")
	ft := &fakeTransport{startErr: boom}
	c := NewClient(ft, nil)

	err := c.Connect(nil)
	assert.Equal(t, boom, err)
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Err(), boom)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestClient_Connected(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, nil)

	var statuses []Status
	c.OnConnectionStatus(func(s Status) { statuses = append(statuses, s) })

	connectedCalls := 0
	require.NoError(t, c.Connect(func() {
		connectedCalls++
		// callbacks may issue operations right away
		_, err := c.Call("hello", nil)
		assert.NoError(t, err)
	}))

	// frames before open are ignored
	ft.deliver(`{"msg":"connected","session":"early"}`)
	assert.Equal(t, Connecting, c.State())

	ft.handler.OnOpen()
	ft.deliver(`{"msg":"connected","session":"s1"}`)
	ft.deliver(`{"msg":"connected","session":"s2"}`)

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, "s1", c.Session())
	assert.Equal(t, 1, connectedCalls)
	assert.JSONEq(t, `{"msg":"method","id":"1","method":"hello","params":[]}`, ft.last(t))
	assert.False(t, c.Metrics().ConnectedAt.IsZero())

	want := []Status{{State: Connecting}, {State: Connected, Session: "s1"}}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_Close(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, ft.closeCount())
	assert.ErrorIs(t, c.Err(), ErrTransportClosed)

	_, err := c.Call("m", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// the transport's own close signal arrives later and changes nothing
	var statuses []Status
	c.OnConnectionStatus(func(s Status) { statuses = append(statuses, s) })
	ft.handler.OnClose()
	assert.Empty(t, statuses)
}

func TestClient_TransportError(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	var statuses []Status
	c.OnConnectionStatus(func(s Status) { statuses = append(statuses, s) })

	reset := errors.New("connection reset")
	ft.handler.OnError(reset)
	ft.handler.OnClose()

	assert.Equal(t, Closed, c.State())
	require.Len(t, statuses, 1)
	assert.Equal(t, Closed, statuses[0].State)
	assert.ErrorIs(t, statuses[0].Err, reset)
	assert.ErrorIs(t, c.Err(), reset)

	// frames after the end are dropped
	ft.deliver(`{"msg":"added","collection":"todos","id":"1"}`)
	assert.Empty(t, c.Collections())
	assert.Equal(t, int64(1), c.Metrics().FramesDropped)
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

func TestClient_SubscribeReady(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	var changes []change
	c.OnCollectionChange(func(collection, id string, kind ChangeKind) {
		changes = append(changes, change{collection, id, kind})
	})

	calls, completion := recordCompletions()
	id, err := c.Subscribe("todos", nil, completion)
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	assert.JSONEq(t, `{"msg":"sub","id":"1","name":"todos","params":[]}`, ft.last(t))

	ft.deliver(`{"msg":"added","collection":"todos","id":"42","fields":{"title":"milk"}}`)
	assert.Empty(t, *calls, "ready has not arrived yet")

	ft.deliver(`{"msg":"ready","subs":["1"]}`)
	ft.deliver(`{"msg":"ready","subs":["1"]}`)

	require.Len(t, *calls, 1)
	assert.NoError(t, (*calls)[0].err)
	assert.Nil(t, (*calls)[0].result)

	doc, ok := c.Document("todos", "42")
	require.True(t, ok)
	if diff := cmp.Diff(Document{"title": "milk"}, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"todos"}, c.Collections())
	assert.Equal(t, []Entry{{ID: "42", Document: Document{"title": "milk"}}}, c.Documents("todos"))
	assert.Equal(t, []change{{"todos", "42", Added}}, changes)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_RemoteErrorResult(t *testing.T) {
	c, ft := newConnectedClient(t, &Config{
		NewIDs: func() IDGenerator { return &repeatIDs{ids: []string{"7"}} },
	})

	calls, completion := recordCompletions()
	id, err := c.Call("explode", completion, "now")
	require.NoError(t, err)
	require.Equal(t, "7", id)
	assert.JSONEq(t, `{"msg":"method","id":"7","method":"explode","params":["now"]}`, ft.last(t))

	ft.deliver(`{"msg":"result","id":"7","error":{"message":"boom"}}`)
	ft.deliver(`{"msg":"result","id":"7","result":"late"}`)

	require.Len(t, *calls, 1)
	assert.Nil(t, (*calls)[0].result)
	var remote *RemoteError
	require.ErrorAs(t, (*calls)[0].err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_FailedWhileConnecting(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, nil)

	var statuses []Status
	c.OnConnectionStatus(func(s Status) { statuses = append(statuses, s) })
	require.NoError(t, c.Connect(func() { t.Error("onConnected called after failed") }))
	ft.handler.OnOpen()

	ft.deliver(`{"msg":"failed","reason":"wrong version","version":"pre1"}`)
	assert.Equal(t, Failed, c.State())
	assert.Equal(t, 1, ft.closeCount())

	ft.deliver(`{"msg":"added","collection":"todos","id":"1","fields":{"a":1}}`)
	ft.deliver(`{"msg":"connected","session":"s1"}`)
	assert.Empty(t, c.Collections())
	assert.Equal(t, Failed, c.State())

	require.Len(t, statuses, 2)
	assert.Equal(t, Failed, statuses[1].State)
	assert.Equal(t, "wrong version", statuses[1].Reason)
	assert.Equal(t, "pre1", statuses[1].Version)

	var transportErr *TransportError
	require.ErrorAs(t, c.Err(), &transportErr)
	assert.Equal(t, "wrong version", transportErr.Reason)

	// a transport close after failed does not override it
	ft.handler.OnClose()
	assert.Equal(t, Failed, c.State())
}

func TestClient_FailedLeavesPendingUnresolved(t *testing.T) {
	c, ft := newConnectedClient(t, nil)
	calls, completion := recordCompletions()
	_, err := c.Call("m", completion)
	require.NoError(t, err)

	ft.deliver(`{"msg":"failed"}`)
	ft.deliver(`{"msg":"result","id":"1","result":1}`)
	assert.Empty(t, *calls)
	assert.Equal(t, 1, c.Pending())
}

// ============================================================================
// Dispatch
// ============================================================================

func TestClient_Diffs(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	var changes []change
	c.OnCollectionChange(func(collection, id string, kind ChangeKind) {
		changes = append(changes, change{collection, id, kind})
	})

	ft.deliver(`{"msg":"added","collection":"c","id":"x","fields":{"a":0,"b":1}}`)
	ft.deliver(`{"msg":"changed","collection":"c","id":"x","fields":{"a":1},"cleared":["b"]}`)
	ft.deliver(`{"msg":"changed","collection":"c","id":"ghost","fields":{"a":1}}`)
	ft.deliver(`{"msg":"removed","collection":"c","id":"ghost"}`)

	doc, _ := c.Document("c", "x")
	if diff := cmp.Diff(Document{"a": 1.0}, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	ft.deliver(`{"msg":"removed","collection":"c","id":"x"}`)
	_, ok := c.Document("c", "x")
	assert.False(t, ok)

	assert.Equal(t, []change{{"c", "x", Added}, {"c", "x", Changed}, {"c", "x", Removed}}, changes)
}

func TestClient_PingPong(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, nil)
	require.NoError(t, c.Connect(nil))
	ft.handler.OnOpen()

	ft.deliver(`{"msg":"ping","id":"hs"}`)
	assert.JSONEq(t, `{"msg":"pong","id":"hs"}`, ft.last(t))

	ft.deliver(`{"msg":"connected","session":"s1"}`)
	ft.deliver(`{"msg":"ping"}`)
	assert.JSONEq(t, `{"msg":"pong"}`, ft.last(t))
	assert.Equal(t, Connected, c.State())
}

func TestClient_KindMismatchIsDropped(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	subCalls, subCompletion := recordCompletions()
	subID, err := c.Subscribe("todos", nil, subCompletion)
	require.NoError(t, err)

	callCalls, callCompletion := recordCompletions()
	callID, err := c.Call("m", callCompletion)
	require.NoError(t, err)

	ft.deliver(`{"msg":"result","id":"` + subID + `","result":1}`)
	ft.deliver(`{"msg":"ready","subs":["` + callID + `"]}`)
	ft.deliver(`{"msg":"nosub","id":"` + callID + `"}`)
	assert.Empty(t, *subCalls)
	assert.Empty(t, *callCalls)
	assert.Equal(t, 2, c.Pending())

	ft.deliver(`{"msg":"ready","subs":["` + subID + `"]}`)
	ft.deliver(`{"msg":"result","id":"` + callID + `","result":{"n":1}}`)
	require.Len(t, *subCalls, 1)
	require.Len(t, *callCalls, 1)
	assert.JSONEq(t, `{"n":1}`, string((*callCalls)[0].result))
}

func TestClient_Nosub(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	calls, completion := recordCompletions()
	id, err := c.Subscribe("secret", []any{"x"}, completion)
	require.NoError(t, err)

	ft.deliver(`{"msg":"nosub","id":"` + id + `","error":{"error":404,"reason":"Subscription not found"}}`)
	require.Len(t, *calls, 1)
	var remote *RemoteError
	require.ErrorAs(t, (*calls)[0].err, &remote)
	assert.Equal(t, "Subscription not found [404]", remote.Error())
}

func TestClient_NosubWithoutError(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	calls, completion := recordCompletions()
	id, err := c.Subscribe("todos", nil, completion)
	require.NoError(t, err)

	ft.deliver(`{"msg":"nosub","id":"` + id + `"}`)
	require.Len(t, *calls, 1)
	assert.ErrorIs(t, (*calls)[0].err, ErrSubscriptionStopped)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_UnknownKindsAreDropped(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	ft.deliver(`{"msg":"future","id":5}`)
	ft.deliver(`{"id":5}`)
	ft.deliver(`{"msg":"future","fields":[1]}`)

	m := c.Metrics()
	assert.Equal(t, int64(3), m.FramesDropped)
	assert.Zero(t, m.DecodeErrors)
	assert.Equal(t, Connected, c.State())
}

func TestClient_Unsubscribe(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	calls, completion := recordCompletions()
	id, err := c.Subscribe("todos", nil, completion)
	require.NoError(t, err)

	require.NoError(t, c.Unsubscribe(id))
	assert.JSONEq(t, `{"msg":"unsub","id":"1"}`, ft.last(t))
	assert.Equal(t, 1, c.Pending(), "unsubscribe leaves the pending entry")

	assert.True(t, c.Forget(id))
	ft.deliver(`{"msg":"nosub","id":"1"}`)
	assert.Empty(t, *calls)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_NilCompletionIsNotRegistered(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	id, err := c.Call("fire-and-forget", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Pending())

	ft.deliver(`{"msg":"result","id":"` + id + `","result":true}`)
	assert.Equal(t, Connected, c.State())
}

func TestClient_SendFailureUnregisters(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	broken := errors.New("broken pipe")
	ft.mu.Lock()
	ft.sendErr = broken
	ft.mu.Unlock()

	_, err := c.Call("m", func(json.RawMessage, error) { t.Error("unexpected completion") })
	assert.Equal(t, broken, err)
	assert.Equal(t, 0, c.Pending())

	// the client stays usable once the transport recovers
	ft.mu.Lock()
	ft.sendErr = nil
	ft.mu.Unlock()
	_, err = c.Subscribe("todos", nil, nil)
	require.NoError(t, err)
}

func TestClient_CompletionCanReenter(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	var secondID string
	_, err := c.Call("first", func(json.RawMessage, error) {
		var err error
		secondID, err = c.Call("second", nil)
		assert.NoError(t, err)
		assert.Equal(t, 0, c.Pending())
	})
	require.NoError(t, err)

	ft.deliver(`{"msg":"result","id":"1","result":null}`)
	assert.Equal(t, "2", secondID)
	assert.JSONEq(t, `{"msg":"method","id":"2","method":"second","params":[]}`, ft.last(t))
}

func TestClient_DecodeErrorKeepsConnection(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	ft.deliver(`{not json`)
	ft.deliver(`{"msg":"result"}`)
	ft.deliver(`{"msg":"updated","methods":["1"]}`)
	ft.deliver(`{}`)

	assert.Equal(t, Connected, c.State())
	m := c.Metrics()
	assert.Equal(t, int64(2), m.DecodeErrors)
	assert.Equal(t, int64(2), m.FramesDropped)
	assert.Equal(t, int64(5), m.FramesReceived) // connected included
	assert.Equal(t, int64(1), m.FramesSent)
}

// ============================================================================
// Blocking helpers
// ============================================================================

func TestClient_CallContext(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := c.CallContext(context.Background(), "sum", 1, 2)
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return len(ft.frames()) == 2 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"msg":"method","id":"1","method":"sum","params":[1,2]}`, ft.last(t))
	ft.deliver(`{"msg":"result","id":"1","result":3}`)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.JSONEq(t, `3`, string(out.result))
	case <-time.After(time.Second):
		t.Fatal("CallContext did not return")
	}
}

func TestClient_CallContextCancelForgets(t *testing.T) {
	c, _ := newConnectedClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.CallContext(ctx, "slow")
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("CallContext did not return")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestClient_CallContextTerminal(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.CallContext(context.Background(), "slow")
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	ft.handler.OnClose()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("CallContext did not return")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestClient_CallContextNotConnected(t *testing.T) {
	c := NewClient(&fakeTransport{}, nil)
	_, err := c.CallContext(context.Background(), "m")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SubscribeContext(t *testing.T) {
	c, ft := newConnectedClient(t, nil)

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 2)
	go func() {
		id, err := c.SubscribeContext(context.Background(), "todos", "open")
		done <- outcome{id, err}
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	ft.deliver(`{"msg":"added","collection":"todos","id":"a","fields":{"open":true}}`)
	ft.deliver(`{"msg":"ready","subs":["1"]}`)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "1", out.id)
	case <-time.After(time.Second):
		t.Fatal("SubscribeContext did not return")
	}
	assert.Equal(t, 1, len(c.Documents("todos")))

	go func() {
		id, err := c.SubscribeContext(context.Background(), "secret")
		done <- outcome{id, err}
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	ft.deliver(`{"msg":"nosub","id":"2","error":{"error":403,"reason":"denied"}}`)

	select {
	case out := <-done:
		var remote *RemoteError
		require.ErrorAs(t, out.err, &remote)
		assert.Equal(t, "denied", remote.Reason)
		assert.Empty(t, out.id)
	case <-time.After(time.Second):
		t.Fatal("SubscribeContext did not return")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "closed", Closed.String())
	assert.False(t, Connected.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, Closed.Terminal())
}
