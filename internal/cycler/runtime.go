package cycler

import (
	"fmt"
	"sync"

	"github.com/hulks-sub008/cyclerd/internal/manifest"
	"github.com/hulks-sub008/cyclerd/internal/pathtree"
)

// MainOutputReader is the type-erased handle a Cycler registers with the
// Runtime so other cyclers can resolve Input/RequiredInput paths against
// its latest committed MainOutputs without the Runtime needing to know the
// concrete Main type.
type MainOutputReader interface {
	// Latest returns the most recently committed value, boxed; before the
	// first commit that is the zero value of the MainOutputs type.
	Latest() interface{}
}

// ParameterSource is the process-wide merged parameter tree, published by
// internal/params and consulted by every cycler's Parameter accessor.
type ParameterSource interface {
	Snapshot() interface{}
}

// Runtime is the process-wide registry a Cycler consults to resolve
// anything outside its own node pipeline: other cyclers' MainOutputs, its
// own tick history, the merged parameter tree, and the live set of
// AdditionalOutput subscriptions.
type Runtime struct {
	mu sync.Mutex

	readers map[manifest.CyclerInstance]MainOutputReader
	history map[manifest.CyclerInstance][]interface{}
	histCap int

	parameters ParameterSource

	subscriptions map[string]int // path -> reference count, from internal/server
	injections    map[manifest.CyclerInstance]map[string]interface{}
}

// NewRuntime creates an empty Runtime. historyCapacity bounds how many of a
// cycler's own past MainOutputs snapshots HistoricInput can see.
func NewRuntime(historyCapacity int) *Runtime {
	if historyCapacity <= 0 {
		historyCapacity = 8
	}
	return &Runtime{
		readers:       make(map[manifest.CyclerInstance]MainOutputReader),
		history:       make(map[manifest.CyclerInstance][]interface{}),
		histCap:       historyCapacity,
		subscriptions: make(map[string]int),
		injections:    make(map[manifest.CyclerInstance]map[string]interface{}),
	}
}

// RegisterMainOutputReader makes instance's MainOutputs resolvable by other
// cyclers' Input/RequiredInput declarations. Called once, at startup, by
// each Cycler as it is constructed.
func (rt *Runtime) RegisterMainOutputReader(instance manifest.CyclerInstance, reader MainOutputReader) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.readers[instance] = reader
}

// SetParameterSource wires the merged parameter tree in. Until this is
// called, Parameter accessors resolve to the zero value.
func (rt *Runtime) SetParameterSource(ps ParameterSource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.parameters = ps
}

// Parameters returns the current merged parameter tree, or nil if none has
// been wired yet.
func (rt *Runtime) Parameters() interface{} {
	rt.mu.Lock()
	ps := rt.parameters
	rt.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Snapshot()
}

// ResolvePath reads cyclerInstance's latest committed MainOutputs and
// navigates to path.
func (rt *Runtime) ResolvePath(cyclerInstance, path string) (interface{}, error) {
	rt.mu.Lock()
	reader, ok := rt.readers[parseInstance(cyclerInstance)]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cycler: no registered MainOutputs reader for %q", cyclerInstance)
	}
	latest := reader.Latest()
	if latest == nil {
		return nil, fmt.Errorf("cycler: %q has not committed a MainOutputs snapshot yet", cyclerInstance)
	}
	return pathtree.Get(latest, path)
}

// parseInstance turns the "<Name>" or "<Name>/<Instance>" spelling used in
// node declarations back into a manifest.CyclerInstance key.
func parseInstance(s string) manifest.CyclerInstance {
	for i, r := range s {
		if r == '/' {
			return manifest.CyclerInstance{Name: s[:i], Instance: s[i+1:]}
		}
	}
	return manifest.CyclerInstance{Name: s}
}

// recordHistory appends value to instance's own history ring, evicting the
// oldest entry once histCap is exceeded. Called by Cycler.runTick right
// after a successful commit.
func (rt *Runtime) recordHistory(instance manifest.CyclerInstance, value interface{}) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h := append(rt.history[instance], value)
	if len(h) > rt.histCap {
		h = h[len(h)-rt.histCap:]
	}
	rt.history[instance] = h
}

// History returns up to n of instance's own past committed snapshots,
// oldest first. n <= 0 returns the full retained history.
func (rt *Runtime) History(instance manifest.CyclerInstance, n int) []interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h := rt.history[instance]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]interface{}, len(h))
	copy(out, h)
	return out
}

// Subscribe increments the reference count for an AdditionalOutput path,
// called by internal/server when a client subscribes.
func (rt *Runtime) Subscribe(path string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.subscriptions[path]++
}

// Unsubscribe decrements the reference count, removing the entry entirely
// once it reaches zero.
func (rt *Runtime) Unsubscribe(path string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.subscriptions[path] <= 1 {
		delete(rt.subscriptions, path)
		return
	}
	rt.subscriptions[path]--
}

// subscriptionSnapshot returns the set of currently subscribed paths, taken
// once at the start of a tick so a node's view of "am I subscribed" cannot
// change mid-tick.
func (rt *Runtime) subscriptionSnapshot() map[string]bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]bool, len(rt.subscriptions))
	for path := range rt.subscriptions {
		out[path] = true
	}
	return out
}

// Inject installs a manual override for path on a specific cycler instance,
// called by internal/server on a "inject" control message.
func (rt *Runtime) Inject(instance manifest.CyclerInstance, path string, value interface{}) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.injections[instance]
	if !ok {
		m = make(map[string]interface{})
		rt.injections[instance] = m
	}
	m[path] = value
}

// ClearInjection removes a manual override, called on a "clear_injection"
// control message.
func (rt *Runtime) ClearInjection(instance manifest.CyclerInstance, path string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.injections[instance], path)
}

// Injections returns a copy of instance's current overrides, for
// inspection by the control surface (e.g. reporting which paths are
// currently overridden).
func (rt *Runtime) Injections(instance manifest.CyclerInstance) map[string]interface{} {
	return rt.injectionSnapshot(instance)
}

// injectionSnapshot returns instance's current overrides, taken once at the
// start of its tick for the same reason subscriptionSnapshot is.
func (rt *Runtime) injectionSnapshot(instance manifest.CyclerInstance) map[string]interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	src := rt.injections[instance]
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
