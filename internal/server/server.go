// Package server implements the path-addressed control connection: clients
// connect over a websocket (github.com/gorilla/websocket) and exchange JSON
// envelopes to subscribe/unsubscribe to a path, list fields, fetch the next
// value once, write a parameter, or inject/clear-inject a manual override
// on a leaf of a cycler's MainOutputs.
//
// The envelope protocol and per-connection subscription bookkeeping are
// grounded in original_source/crates/communication/src/server/{server,
// connection}.rs: one goroutine per connection reads client messages and
// dispatches them, a send queue per connection absorbs backpressure from a
// slow client without blocking the cyclers publishing new values, and
// subscriptions are reference-counted against the shared Runtime so the
// same path subscribed by two clients is only "live" once.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hulks-sub008/cyclerd/internal/cycler"
	"github.com/hulks-sub008/cyclerd/internal/pathtree"
)

// MessageKind enumerates the envelope's "kind" field.
type MessageKind string

const (
	KindSubscribe      MessageKind = "subscribe"
	KindUnsubscribe    MessageKind = "unsubscribe"
	KindGetFields      MessageKind = "get_fields"
	KindGetNext        MessageKind = "get_next"
	KindWrite          MessageKind = "write"
	KindInject         MessageKind = "inject"
	KindClearInjection MessageKind = "clear_injection"
)

// Format is the requested wire encoding for a path's value.
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
)

// Envelope is one client request or server response, exchanged as a single
// JSON text frame (binary leaf payloads ride a separate binary frame,
// announced by the imageHeader text frame below that carries the ID).
type Envelope struct {
	ID     string          `json:"id"`
	Kind   MessageKind     `json:"kind"`
	Path   string          `json:"path,omitempty"`
	Format Format          `json:"format,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Fields []string        `json:"fields,omitempty"`
}

// imageHeader precedes a binary frame sent in response to a binary-format
// subscription or get_next on an image leaf.
type imageHeader struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Source resolves a path to its current value and, for subscriptions,
// lets a connection be notified on every new committed value. Registry
// implements it for the live cycler/parameter tree; tests can supply a
// fake.
type Source interface {
	Get(path string) (interface{}, error)
	GetBinary(path string) ([]byte, int, int, string, error)
	Fields(path string) ([]string, error)
	Write(path string, data json.RawMessage) error
	Inject(path string, data json.RawMessage) error
	ClearInjection(path string) error
	Subscribe(path string)
	Unsubscribe(path string)
}

// Registry is the default Source, backed by a cycler.Runtime's registered
// MainOutputs/AdditionalOutputs readers plus the parameter tree.
type Registry struct {
	mu    sync.RWMutex
	tree  *pathtree.Tree
	roots map[string]func() interface{} // root name -> "fetch the current value"
	rt    *cycler.Runtime

	// paramWrite handles any path that doesn't resolve against a
	// registered MainOutputs/AdditionalOutputs root: the parameter tree's
	// paths are dynamic JSON, not a static struct Schema, so they aren't
	// registered as a root at all. Set by SetParameterWriter.
	paramWrite func(path string, data json.RawMessage) error
}

// NewRegistry creates an empty path Registry.
func NewRegistry(rt *cycler.Runtime) *Registry {
	return &Registry{
		tree:  pathtree.NewTree(),
		roots: make(map[string]func() interface{}),
		rt:    rt,
	}
}

// RegisterRoot declares one addressable root namespace (e.g.
// "Vision.main", "Behavior.additional"), backed by fetch, which returns the
// current value to navigate schema-validated paths against.
func (r *Registry) RegisterRoot(root string, schema *pathtree.Schema, fetch func() interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.tree.Register(root, schema); err != nil {
		return err
	}
	r.roots[root] = fetch
	return nil
}

// SetParameterWriter wires the fallback destination for a "write" message
// whose path isn't under any registered root — in practice, every
// parameter path, since the merged parameter tree is dynamic JSON rather
// than a type Walk can build a Schema from.
func (r *Registry) SetParameterWriter(write func(path string, data json.RawMessage) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paramWrite = write
}

func (r *Registry) Get(path string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, leaf, _, err := r.tree.Resolve(path)
	if err != nil {
		return nil, err
	}
	value := r.roots[root]()
	if leaf == "" {
		return value, nil
	}
	return pathtree.Get(value, leaf)
}

func (r *Registry) GetBinary(path string) ([]byte, int, int, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, leaf, _, err := r.tree.Resolve(path)
	if err != nil {
		return nil, 0, 0, "", err
	}
	value := r.roots[root]()
	b, err := pathtree.GetBinary(value, leaf)
	if err != nil {
		return nil, 0, 0, "", err
	}
	// Width/height are carried by convention as sibling leaf fields
	// "<leaf>_width"/"<leaf>_height" on the same struct; callers that
	// don't declare them get 0x0, which a client should treat as unknown.
	width, _ := pathtree.Get(value, leaf+"_width")
	height, _ := pathtree.Get(value, leaf+"_height")
	w, _ := width.(int)
	h, _ := height.(int)
	return b, w, h, "rgb8", nil
}

func (r *Registry) Fields(path string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, leaf, schema, err := r.tree.Resolve(path)
	if err != nil {
		if path == "" {
			return r.tree.Roots(), nil
		}
		return nil, err
	}
	_ = root
	var out []string
	prefix := leaf
	if prefix != "" {
		prefix += "."
	}
	for _, l := range schema.Leaves() {
		if prefix == "" || hasPrefixSegment(l, leaf) {
			out = append(out, l)
		}
	}
	return out, nil
}

func hasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)+1] == prefix+"."
}

func (r *Registry) Write(path string, data json.RawMessage) error {
	r.mu.RLock()
	root, leaf, _, err := r.tree.Resolve(path)
	paramWrite := r.paramWrite
	r.mu.RUnlock()
	if err != nil {
		if paramWrite != nil {
			return paramWrite(path, data)
		}
		return err
	}
	value := r.roots[root]()
	return pathtree.SetJSON(value, leaf, data)
}

func (r *Registry) Inject(path string, data json.RawMessage) error {
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("server: decoding injection payload: %w", err)
	}
	instance, leaf := splitInstancePath(path)
	r.rt.Inject(instance, leaf, decoded)
	return nil
}

func (r *Registry) ClearInjection(path string) error {
	instance, leaf := splitInstancePath(path)
	r.rt.ClearInjection(instance, leaf)
	return nil
}

func (r *Registry) Subscribe(path string)   { r.rt.Subscribe(path) }
func (r *Registry) Unsubscribe(path string) { r.rt.Unsubscribe(path) }

// splitInstancePath reinterprets a fully qualified root-less path
// ("Vision.main.ball_x") as (CyclerInstance{Vision}, "main.ball_x") so the
// Runtime's per-instance injection maps can key on it; the manifest package
// import is avoided here by constructing the type inline (server only
// needs the two string fields, not manifest's validation helpers).
func splitInstancePath(path string) (instance struct{ Name, Instance string }, leaf string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return struct{ Name, Instance string }{Name: path[:i]}, path[i+1:]
		}
	}
	return struct{ Name, Instance string }{Name: path}, ""
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sendQueueCapacity bounds how many outstanding values a slow client can
// have queued before the connection is dropped rather than letting it
// apply back-pressure to the cyclers publishing values.
const sendQueueCapacity = 256

// Server accepts websocket connections and serves the path protocol against
// a Source, pushing subscribed updates through a shared Broadcaster.
type Server struct {
	source      Source
	broadcaster *Broadcaster
}

// New creates a Server backed by source, registering every connection it
// accepts with broadcaster so PushJSON can reach it.
func New(source Source, broadcaster *Broadcaster) *Server {
	return &Server{source: source, broadcaster: broadcaster}
}

// ServeHTTP upgrades the request to a websocket and runs the connection
// until the client disconnects or a send queue overflows.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}
	c := newConnection(conn, s.source)
	s.broadcaster.register(c)
	defer s.broadcaster.unregister(c)
	c.run()
}

type connection struct {
	ws     *websocket.Conn
	source Source

	mu            sync.Mutex
	subscriptions map[string]bool
	sendQueue     chan queuedFrame
	closed        chan struct{}
}

type queuedFrame struct {
	text   []byte
	binary []byte
}

func newConnection(ws *websocket.Conn, source Source) *connection {
	return &connection{
		ws:            ws,
		source:        source,
		subscriptions: make(map[string]bool),
		sendQueue:     make(chan queuedFrame, sendQueueCapacity),
		closed:        make(chan struct{}),
	}
}

func (c *connection) run() {
	go c.writeLoop()
	defer func() {
		close(c.closed)
		c.mu.Lock()
		for path := range c.subscriptions {
			c.source.Unsubscribe(path)
		}
		c.mu.Unlock()
		c.ws.Close()
	}()

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.handle(env)
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case frame, ok := <-c.sendQueue:
			if !ok {
				return
			}
			if frame.binary != nil {
				if err := c.ws.WriteMessage(websocket.BinaryMessage, frame.binary); err != nil {
					return
				}
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.text); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// enqueue attempts a non-blocking send; a full queue means a slow consumer,
// and the connection is dropped rather than let it stall the whole server.
func (c *connection) enqueue(frame queuedFrame) {
	select {
	case c.sendQueue <- frame:
	default:
		log.Printf("server: connection send queue full, dropping slow consumer")
		c.ws.Close()
	}
}

func (c *connection) reply(env Envelope) {
	encoded, err := json.Marshal(env)
	if err != nil {
		log.Printf("server: encoding reply: %v", err)
		return
	}
	c.enqueue(queuedFrame{text: encoded})
}

func (c *connection) replyError(id string, err error) {
	c.reply(Envelope{ID: id, Error: err.Error()})
}

func (c *connection) handle(env Envelope) {
	switch env.Kind {
	case KindSubscribe:
		c.handleSubscribe(env)
	case KindUnsubscribe:
		c.handleUnsubscribe(env)
	case KindGetFields:
		c.handleGetFields(env)
	case KindGetNext:
		c.handleGetNext(env)
	case KindWrite:
		c.handleWrite(env)
	case KindInject:
		c.handleInject(env)
	case KindClearInjection:
		c.handleClearInjection(env)
	default:
		c.replyError(env.ID, fmt.Errorf("server: unknown message kind %q", env.Kind))
	}
}

func (c *connection) handleSubscribe(env Envelope) {
	c.mu.Lock()
	already := c.subscriptions[env.Path]
	c.subscriptions[env.Path] = true
	c.mu.Unlock()
	if !already {
		c.source.Subscribe(env.Path)
	}
	c.sendValue(env)
}

func (c *connection) handleUnsubscribe(env Envelope) {
	c.mu.Lock()
	_, had := c.subscriptions[env.Path]
	delete(c.subscriptions, env.Path)
	c.mu.Unlock()
	if had {
		c.source.Unsubscribe(env.Path)
	}
	c.reply(Envelope{ID: env.ID})
}

func (c *connection) handleGetFields(env Envelope) {
	fields, err := c.source.Fields(env.Path)
	if err != nil {
		c.replyError(env.ID, err)
		return
	}
	c.reply(Envelope{ID: env.ID, Fields: fields})
}

func (c *connection) handleGetNext(env Envelope) {
	c.sendValue(env)
}

func (c *connection) sendValue(env Envelope) {
	if env.Format == FormatBinary {
		payload, width, height, format, err := c.source.GetBinary(env.Path)
		if err != nil {
			c.replyError(env.ID, err)
			return
		}
		header, _ := json.Marshal(imageHeader{ID: env.ID, Width: width, Height: height, Format: format})
		c.enqueue(queuedFrame{text: header})
		c.enqueue(queuedFrame{binary: payload})
		return
	}
	value, err := c.source.Get(env.Path)
	if err != nil {
		c.replyError(env.ID, err)
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.replyError(env.ID, err)
		return
	}
	c.reply(Envelope{ID: env.ID, Path: env.Path, Data: data})
}

func (c *connection) handleWrite(env Envelope) {
	if err := c.source.Write(env.Path, env.Data); err != nil {
		c.replyError(env.ID, err)
		return
	}
	c.reply(Envelope{ID: env.ID})
}

func (c *connection) handleInject(env Envelope) {
	if err := c.source.Inject(env.Path, env.Data); err != nil {
		c.replyError(env.ID, err)
		return
	}
	c.reply(Envelope{ID: env.ID})
}

func (c *connection) handleClearInjection(env Envelope) {
	if err := c.source.ClearInjection(env.Path); err != nil {
		c.replyError(env.ID, err)
		return
	}
	c.reply(Envelope{ID: env.ID})
}

// NewRequestID generates the opaque per-request ID a client attaches to
// each envelope so it can match asynchronous replies, backed by
// github.com/google/uuid the same way this stack's wider ecosystem mints
// request/subscription identifiers.
func NewRequestID() string {
	return uuid.NewString()
}

// Broadcaster pushes a fresh value to every connection subscribed to path.
// Called by the cycler side (or a small dispatcher wired in cmd/cyclerd)
// whenever a subscribed path's owning cycler commits a new MainOutputs or
// AdditionalOutputs snapshot.
type Broadcaster struct {
	mu          sync.RWMutex
	connections map[*connection]bool
}

// NewBroadcaster creates an empty connection registry for push updates.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{connections: make(map[*connection]bool)}
}

func (b *Broadcaster) register(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[c] = true
}

func (b *Broadcaster) unregister(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connections, c)
}

// PushJSON sends path's new value to every connection currently subscribed
// to it.
func (b *Broadcaster) PushJSON(path string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	env := Envelope{ID: "push-" + time.Now().Format(time.RFC3339Nano), Path: path, Data: data}
	encoded, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.connections {
		c.mu.Lock()
		subscribed := c.subscriptions[path]
		c.mu.Unlock()
		if subscribed {
			c.enqueue(queuedFrame{text: encoded})
		}
	}
}
