// Package cycler runs the per-instance tick loops that drive the dataflow
// runtime: one goroutine per (cycler name, instance) pair, each owning a
// chain of setup nodes and cycle nodes that read declared inputs, mutate a
// private MainOutputs/AdditionalOutputs/CyclerState set, and commit the
// MainOutputs to a shared snapshot.Channel for the rest of the process to
// read.
//
// The scheduling shape — Sample/PrepareRun/StartRun once, then loop
// blockingRead/ProcessSegments until told to stop, logging and continuing
// past a single bad cycle rather than crashing the process — is grounded in
// data_source.go's Start(ds DataSource). Declared input slots
// (Input/RequiredInput/HistoricInput/PerceptionInput/Parameter) replace the
// original HULKs framework's per-field proc-macro-generated accessors with
// plain generic functions operating on a Context, resolving cross-cycler
// paths through Runtime.ResolvePath's reflection-based dispatch
// (internal/pathtree) instead of compile-time-generated glue code.
package cycler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hulks-sub008/cyclerd/internal/manifest"
	"github.com/hulks-sub008/cyclerd/internal/pathtree"
	"github.com/hulks-sub008/cyclerd/internal/perception"
)

// CancelToken is a shared, idempotent shutdown signal polled at tick
// boundaries and inside any blocking wait, so a cycler can be asked to stop
// between ticks without it needing to poll a channel deep inside node code.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates a token in the not-cancelled state.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token cancelled. Safe to call more than once or from
// multiple goroutines.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once Cancel has been called, for use
// in select statements alongside a node's own blocking reads.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Node is one cycle-time step of a cycler's pipeline: given the current
// tick's Context, it reads whatever inputs it declared and writes whatever
// outputs it declared. An error skips the remaining nodes of that tick (the
// outputs written so far are still committed) but does not stop the cycler.
type Node[Main, Additional, State any] interface {
	Cycle(ctx *Context[Main, Additional, State]) error
}

// SetupNode additionally runs once, in manifest order, before the first
// tick — the idiomatic replacement for a node type with a constructor that
// takes Parameters/HardwareInterface but no per-cycle inputs.
type SetupNode[Main, Additional, State any] interface {
	Setup(ctx *Context[Main, Additional, State]) error
}

// Context is everything a node's Cycle/Setup method may touch during one
// tick: the private, mutable Main/Additional/State values it owns this
// cycle, the tick's start time, the set of AdditionalOutput paths currently
// subscribed (sampled once at tick start, so a node's subscription check
// cannot change mid-tick), any write-path injections active for this
// instance, and a handle back to the Runtime for resolving other cyclers'
// declared inputs.
type Context[Main, Additional, State any] struct {
	Instance  manifest.CyclerInstance
	TickStart time.Time

	Main       *Main
	Additional *Additional
	State      *State

	Hardware HardwareInterface

	subscribedAdditional map[string]bool
	injections           map[string]interface{}
	perceptionWindows    map[string]perception.Window
	runtime              *Runtime
}

// Input resolves a declared cross-cycler input: the latest committed
// MainOutputs of cyclerInstance, read down to path. Missing/mismatched
// paths return the zero value of T; declare RequiredInput instead when a
// missing value should skip the rest of the node.
func Input[T any](ctx anyContext, cyclerInstance, path string) T {
	v, _ := ctx.resolve(cyclerInstance, path)
	t, _ := v.(T)
	return t
}

// RequiredInput resolves a declared cross-cycler input that the node cannot
// proceed without. ok is false when the source cycler is unknown, the path
// doesn't resolve, the leaf is a nil optional field, or the leaf is not a T
// — in any of those cases the node should return nil from Cycle without
// writing its outputs, the idiomatic replacement for the original
// framework's declarative "skip this node" slot semantics. Before the source
// cycler's first commit the path resolves against its zero-valued
// MainOutputs, so ok is then true for a non-optional leaf.
func RequiredInput[T any](ctx anyContext, cyclerInstance, path string) (value T, ok bool) {
	v, err := ctx.resolve(cyclerInstance, path)
	if err != nil || v == nil {
		return value, false
	}
	t, assignable := v.(T)
	return t, assignable
}

// HistoricInput returns this cycler instance's own last n committed
// MainOutputs snapshots (oldest first), read down to path. It can only see
// this instance's own history, never another cycler's.
func HistoricInput[T any](ctx anyContext, path string, n int) []T {
	snapshots := ctx.history(n)
	out := make([]T, 0, len(snapshots))
	for _, snap := range snapshots {
		v, err := pathtree.Get(snap, path)
		if err != nil {
			continue
		}
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// PerceptionValues type-asserts every entry in a perception.Window bucket
// down to T, skipping any that don't match (which should never happen for a
// correctly wired PerceptionInput, since one queue carries one source's
// single output type).
func PerceptionValues[T any](entries []interface{}) []T {
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Perception returns the partitioned history for one declared perception
// source, computed once at the start of this tick.
func (c *Context[Main, Additional, State]) Perception(source string) perception.Window {
	return c.perceptionWindows[source]
}

// Parameter resolves a path against the process-wide merged parameter tree.
func Parameter[T any](ctx anyContext, path string) T {
	var zero T
	root := ctx.parameters()
	if root == nil {
		return zero
	}
	var v interface{} = root
	if _, isMap := root.(map[string]interface{}); isMap {
		for _, seg := range strings.Split(path, ".") {
			m, ok := v.(map[string]interface{})
			if !ok {
				return zero
			}
			v = m[seg]
		}
	} else {
		var err error
		if v, err = pathtree.Get(root, path); err != nil {
			return zero
		}
	}
	t, _ := v.(T)
	return t
}

// Subscribed reports whether an AdditionalOutput path is currently wanted by
// any connected subscriber. The set is sampled once at tick start, so it
// cannot change between a node checking it and writing the output.
func (c *Context[Main, Additional, State]) Subscribed(path string) bool {
	return c.subscribedAdditional[path]
}

// Injected returns a manual override value for path, if the operator has
// injected one via the control surface, and whether one was present.
// Injections take precedence over whatever a node would otherwise compute;
// nodes that support injection should check this first and skip their own
// computation when ok is true.
func (c *Context[Main, Additional, State]) Injected(path string) (value interface{}, ok bool) {
	value, ok = c.injections[path]
	return value, ok
}

// anyContext is the type-erased view of Context that the free generic
// accessor functions need; every Context[Main, Additional, State]
// implements it without boilerplate because the methods don't depend on
// Main/Additional/State.
type anyContext interface {
	resolve(cyclerInstance, path string) (interface{}, error)
	history(n int) []interface{}
	parameters() interface{}
}

func (c *Context[Main, Additional, State]) resolve(cyclerInstance, path string) (interface{}, error) {
	return c.runtime.ResolvePath(cyclerInstance, path)
}

func (c *Context[Main, Additional, State]) history(n int) []interface{} {
	return c.runtime.History(c.Instance, n)
}

func (c *Context[Main, Additional, State]) parameters() interface{} {
	return c.runtime.Parameters()
}

// HardwareInterface is the process-wide abstraction over the robot's
// sensors and actuators, implemented once per process (real hardware or a
// simulator) and handed to every cycler's Context.
type HardwareInterface interface {
	// ReadSensorData blocks until the next sensor sample is available, or
	// returns an error if the hardware link is gone.
	ReadSensorData() (interface{}, error)
	// WriteActuators sends the current cycle's actuator commands.
	WriteActuators(interface{}) error
}

// errNodeKind is returned by Runtime wiring helpers when a manifest node
// name isn't registered for a cycler, which is a startup-time configuration
// bug rather than a per-tick condition.
type errNodeKind struct {
	cycler, node string
}

func (e errNodeKind) Error() string {
	return fmt.Sprintf("cycler %q: node %q is not registered", e.cycler, e.node)
}
