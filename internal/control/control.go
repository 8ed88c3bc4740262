// Package control implements the process-wide runtime control surface:
// Start/Stop/SetLabel/Status calls plus a regular heartbeat broadcast,
// served as JSON-RPC over net/rpc/jsonrpc the way rpc_server.go's
// SourceControl exposes its configuration/operation methods — RPC methods
// here are narrower (no channel/trigger/source configuration, since that's
// the manifest's job, not an operator's), but the registration, dispatch,
// and heartbeat-ticker shape are the same.
package control

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/hulks-sub008/cyclerd/internal/cycler"
)

// Update is one item pushed to connected control clients outside the
// request/response RPC flow: a heartbeat, a label change, a run state
// change. internal/server's Broadcaster delivers these over the
// path-addressed connection; Controller only produces them.
type Update struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

// Status is the snapshot returned by the Status RPC call.
type Status struct {
	Running   bool     `json:"running"`
	Label     string   `json:"label"`
	Cyclers   []string `json:"cyclers"`
	UptimeSec float64  `json:"uptime_sec"`
}

// Controller is the RPC receiver registered with net/rpc; its exported
// methods are exactly the operator-facing control surface.
type Controller struct {
	mu        sync.Mutex
	running   bool
	label     string
	startedAt time.Time
	cyclers   []string
	cancel    *cycler.CancelToken

	updates chan Update
}

// NewController creates a Controller over the given manifest cycler names,
// sharing cancel with every running Cycler so Stop can ask them all to
// shut down.
func NewController(cyclerNames []string, cancel *cycler.CancelToken) *Controller {
	return &Controller{
		cyclers: cyclerNames,
		cancel:  cancel,
		updates: make(chan Update, 64),
	}
}

// Updates returns the channel Controller posts Update events to; a caller
// (cmd/cyclerd's wiring) drains it and forwards events to
// internal/server's Broadcaster.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

func (c *Controller) post(kind string, payload interface{}) {
	select {
	case c.updates <- Update{Kind: kind, Payload: payload}:
	default:
		log.Printf("control: update channel full, dropping %s event", kind)
	}
}

// Start marks the runtime as running. The actual cyclers are already
// spinning their tick loops by the time cmd/cyclerd registers this
// Controller; Start only sets the running flag and start time that Status
// reports and posts a RUNNING update, it does not gate whether ticks
// commit. Stop cancels the shared CancelToken, which stops everything;
// there is deliberately no "pause and later un-cancel", matching a
// CancelToken's one-way semantics, so Start after Stop fails.
func (c *Controller) Start(_ *struct{}, reply *bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel.Cancelled() {
		return fmt.Errorf("control: cannot Start, the runtime has already been stopped")
	}
	c.running = true
	c.startedAt = time.Now()
	*reply = true
	c.post("RUNNING", true)
	return nil
}

// Stop cancels the shared token, asking every cycler to exit its tick loop
// at the next tick boundary.
func (c *Controller) Stop(_ *struct{}, reply *bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel.Cancel()
	c.running = false
	*reply = true
	c.post("RUNNING", false)
	return nil
}

// SetLabel assigns a human-readable label to the current run, surfaced in
// Status and posted as a LABEL update.
func (c *Controller) SetLabel(label *string, reply *bool) error {
	c.mu.Lock()
	c.label = *label
	c.mu.Unlock()
	*reply = true
	c.post("LABEL", *label)
	return nil
}

// Status reports the current run state.
func (c *Controller) Status(_ *struct{}, reply *Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	uptime := 0.0
	if c.running {
		uptime = time.Since(c.startedAt).Seconds()
	}
	*reply = Status{
		Running:   c.running,
		Label:     c.label,
		Cyclers:   append([]string(nil), c.cyclers...),
		UptimeSec: uptime,
	}
	return nil
}

// RunHeartbeat posts a HEARTBEAT update carrying the current Status every
// period until ctx is cancelled,
// mirroring rpc_server.go's 2-second broadcastHeartbeat ticker.
func (c *Controller) RunHeartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var status Status
			c.Status(nil, &status)
			c.post("HEARTBEAT", status)
		case <-ctx.Done():
			return
		}
	}
}

// Serve accepts control connections on listener and serves each one as a
// JSON-RPC session until the listener is closed.
func Serve(listener net.Listener, controller *Controller) error {
	server := rpc.NewServer()
	if err := server.Register(controller); err != nil {
		return fmt.Errorf("control: registering RPC receiver: %w", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go serveConn(server, conn)
	}
}

func serveConn(server *rpc.Server, conn io.ReadWriteCloser) {
	server.ServeCodec(jsonrpc.NewServerCodec(conn))
}
