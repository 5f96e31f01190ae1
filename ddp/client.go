package ddp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// Client is one protocol session over one transport. It owns the transport,
// the Registry of pending operations and the Store of mirrored documents;
// all three live and die together.
//
// Every state mutation happens under a single lock, either from a public
// method or from the processing of one inbound frame, so the client behaves
// as if single threaded. Completions and observers are queued while the lock
// is held and run in order once it is released, which lets them call back
// into the client.
type Client struct {
	mu sync.Mutex

	config    *Config
	transport Transport
	codec     Codec
	registry  *Registry
	store     *Store
	metrics   Metrics

	state       State
	opened      bool
	session     string
	err         error
	done        chan struct{}
	onConnected func()

	statusHandlers []StatusHandler
	changeHandlers []ChangeHandler

	// callbacks queued under mu, run by unlock
	queue []func()
}

// NewClient creates a Disconnected client over transport. A nil config
// means DefaultConfig.
func NewClient(transport Transport, config *Config) *Client {
	config = config.withDefaults()
	c := &Client{
		config:    config,
		transport: transport,
		registry:  NewRegistry(config.NewIDs()),
		store:     NewStore(),
		state:     Disconnected,
		done:      make(chan struct{}),
	}
	c.store.OnChange(c.collectionChanged)
	return c
}

// unlock releases the lock and then runs the callbacks queued while it was held.
func (c *Client) unlock() {
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

func (c *Client) enqueue(fn func()) {
	c.queue = append(c.queue, fn)
}

// deferred wraps a completion so the registry's invocation is queued.
func (c *Client) deferred(completion Completion) Completion {
	return func(result json.RawMessage, err error) {
		c.enqueue(func() { completion(result, err) })
	}
}

func (c *Client) collectionChanged(collection, id string, kind ChangeKind) {
	handlers := c.changeHandlers
	c.enqueue(func() {
		for _, handler := range handlers {
			handler(collection, id, kind)
		}
	})
}

func (c *Client) setState(state State, status Status) {
	glog.V(1).Infof("[%s] %s -> %s", c.config.Name, c.state, state)
	c.state = state
	status.State = state
	if state.Terminal() {
		c.err = status.Err
		c.onConnected = nil
		close(c.done)
	}
	handlers := c.statusHandlers
	c.enqueue(func() {
		for _, handler := range handlers {
			handler(status)
		}
	})
}

func (c *Client) send(cmd Command) error {
	data, err := c.codec.Encode(cmd)
	if err != nil {
		return err
	}
	if err := c.transport.Send(data); err != nil {
		return err
	}
	c.metrics.IncrementSent()
	glog.V(2).Infof("[%s] -> %s", c.config.Name, data)
	return nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect starts the transport and, once it is open, the protocol
// handshake. onConnected, if not nil, is called once when the peer accepts.
// Connect is only valid on a Disconnected client.
func (c *Client) Connect(onConnected func()) error {
	c.mu.Lock()
	if c.state != Disconnected {
		err := &StateError{Op: "connect", State: c.state}
		c.unlock()
		return err
	}
	c.onConnected = onConnected
	c.setState(Connecting, Status{})
	c.unlock()

	// Start may report back synchronously, so it runs without the lock
	if err := c.transport.Start(transportEvents{c}); err != nil {
		c.mu.Lock()
		if !c.state.Terminal() {
			c.setState(Closed, Status{Err: &TransportError{Err: err}})
		}
		c.unlock()
		return err
	}
	return nil
}

// Close ends the session and closes the transport. Pending operations are
// left unresolved.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.setState(Closed, Status{Err: &TransportError{Err: ErrTransportClosed}})
	}
	c.unlock()
	return c.transport.Close()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the session id the peer assigned, if any.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed when the client reaches Failed or Closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error once Done is closed, nil before.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnConnectionStatus registers an observer for state transitions.
func (c *Client) OnConnectionStatus(handler StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandlers = append(c.statusHandlers, handler)
}

// OnCollectionChange registers an observer for document mutations.
func (c *Client) OnCollectionChange(handler ChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeHandlers = append(c.changeHandlers, handler)
}

// ============================================================================
// Operations
// ============================================================================

// Call invokes a remote method with args as its params. See Apply.
func (c *Client) Call(method string, completion Completion, args ...any) (string, error) {
	return c.Apply(method, args, completion)
}

// Apply invokes a remote method and returns the correlation id. completion,
// if not nil, later receives the result or the peer's *RemoteError. Apply
// does not wait for the peer.
func (c *Client) Apply(method string, params []any, completion Completion) (string, error) {
	return c.issue(CallOp, method, params, completion)
}

// Subscribe starts a subscription and returns its id. completion, if not
// nil, is called with a nil error once the initial documents have been
// delivered, or with the peer's error if it refused the subscription.
func (c *Client) Subscribe(name string, params []any, completion Completion) (string, error) {
	return c.issue(SubscriptionOp, name, params, completion)
}

func (c *Client) issue(kind OpKind, name string, params []any, completion Completion) (string, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != Connected {
		return "", &StateError{Op: kind.String(), State: c.state}
	}

	id, err := c.registry.Allocate()
	if err != nil {
		return "", err
	}
	if completion != nil {
		if err := c.registry.Register(id, kind, name, c.deferred(completion)); err != nil {
			return "", err
		}
	}

	var cmd Command
	if kind == SubscriptionOp {
		cmd = SubCommand{ID: id, Name: name, Params: params}
	} else {
		cmd = MethodCommand{ID: id, Method: name, Params: params}
	}
	if err := c.send(cmd); err != nil {
		c.registry.Forget(id)
		return "", err
	}
	return id, nil
}

// Unsubscribe asks the peer to stop a subscription. The subscription's
// completion is not touched; use Forget to drop it locally.
func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != Connected {
		return &StateError{Op: "unsubscribe", State: c.state}
	}
	return c.send(UnsubCommand{ID: id})
}

// Forget drops the pending completion for id without calling it.
func (c *Client) Forget(id string) bool {
	c.mu.Lock()
	defer c.unlock()
	return c.registry.Forget(id)
}

// Pending returns the number of operations awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Pending()
}

type completionResult struct {
	result json.RawMessage
	err    error
}

// CallContext calls a method and waits for its result, for ctx to end or for
// the connection to terminate. On the latter two the pending entry is forgotten.
func (c *Client) CallContext(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return c.await(ctx, func(completion Completion) (string, error) {
		return c.Apply(method, args, completion)
	})
}

// SubscribeContext subscribes and waits until the subscription is ready.
func (c *Client) SubscribeContext(ctx context.Context, name string, params ...any) (string, error) {
	var id string
	_, err := c.await(ctx, func(completion Completion) (string, error) {
		var err error
		id, err = c.Subscribe(name, params, completion)
		return id, err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) await(ctx context.Context, issue func(Completion) (string, error)) (json.RawMessage, error) {
	results := make(chan completionResult, 1)
	id, err := issue(func(result json.RawMessage, err error) {
		results <- completionResult{result, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-results:
		return res.result, res.err
	case <-ctx.Done():
		c.Forget(id)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case res := <-results:
			return res.result, res.err
		default:
		}
		c.Forget(id)
		return nil, c.Err()
	}
}

// ============================================================================
// Store access
// ============================================================================

// Document returns a copy of one mirrored document.
func (c *Client) Document(collection, id string) (Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(collection, id)
}

// Documents returns a copy of every document in a collection, ordered by id.
func (c *Client) Documents(collection string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.List(collection)
}

// Collections returns the names of the collections seen so far.
func (c *Client) Collections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Collections()
}

// Metrics returns the client's frame counters.
func (c *Client) Metrics() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.Snapshot()
}
