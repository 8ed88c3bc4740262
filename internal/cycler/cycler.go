package cycler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hulks-sub008/cyclerd/internal/manifest"
	"github.com/hulks-sub008/cyclerd/internal/pathtree"
	"github.com/hulks-sub008/cyclerd/internal/perception"
	"github.com/hulks-sub008/cyclerd/internal/snapshot"
)

// TickSource drives one cycler instance's ticks: a realtime cycler's source
// is sensor-data arrival, a perception cycler's is its own camera/audio/
// network input. Next blocks until the next tick is ready and returns its
// start time, or returns an error (including context.Canceled) once no more
// ticks will come. This is the generalization of data_source.go's
// blockingRead: one method every cycler, regardless of kind, drives its
// tick loop through.
type TickSource interface {
	Next(ctx context.Context) (time.Time, error)
}

// TickerSource is a TickSource driven by a fixed period, the simplest
// stand-in for "sensor cadence" used by simulated realtime cyclers.
type TickerSource struct {
	ticker *time.Ticker
}

// NewTickerSource creates a TickSource that fires every period.
func NewTickerSource(period time.Duration) *TickerSource {
	return &TickerSource{ticker: time.NewTicker(period)}
}

func (s *TickerSource) Next(ctx context.Context) (time.Time, error) {
	select {
	case t := <-s.ticker.C:
		return t, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// Stop releases the underlying ticker.
func (s *TickerSource) Stop() { s.ticker.Stop() }

// ChannelSource is a TickSource fed externally, the shape a hardware driver
// or a recording played back through internal/recorder uses: something else
// pushes timestamps onto C as data actually arrives.
type ChannelSource struct {
	C chan time.Time
}

// NewChannelSource creates a TickSource with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{C: make(chan time.Time, buffer)}
}

func (s *ChannelSource) Next(ctx context.Context) (time.Time, error) {
	select {
	case t, ok := <-s.C:
		if !ok {
			return time.Time{}, fmt.Errorf("cycler: channel tick source closed")
		}
		return t, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// Cycler owns one running instance of a manifest cycler: its node pipeline,
// its private State, and the snapshot.Channel its MainOutputs are committed
// to each tick. Main, Additional, and State are the cycler's own declared
// struct types; keeping them as type parameters, rather than interface{},
// is what lets AddNode/AddSetupNode and the Context handed to nodes stay
// fully typed, the same contract the original per-cycler generated code
// gave each node.
type Cycler[Main, Additional, State any] struct {
	Instance manifest.CyclerInstance
	Kind     manifest.Kind

	runtime          *Runtime
	hardware         HardwareInterface
	writer           *snapshot.Writer[Main]
	additionalWriter *snapshot.Writer[Additional]

	setupNodes []SetupNode[Main, Additional, State]
	nodes      []Node[Main, Additional, State]

	warningThreshold time.Duration

	stateMu sync.Mutex
	state   State

	perceptionRegistry *perception.Registry
	perceptionSources  []string
	publishSourceName  string

	// commitHook, if set, runs after every tick's MainOutputs/
	// AdditionalOutputs have been committed, with the just-written values.
	// It lets a layer outside this package (cmd/cyclerd's server wiring)
	// push per-path updates to subscribers without this package needing to
	// import internal/server.
	commitHook func(main Main, additional Additional)

	tickStartsMu sync.Mutex
	tickStarts   []time.Time
	tickStartCap int
}

type mainOutputReaderAdapter[T any] struct {
	reader *snapshot.Reader[T]
}

func (a *mainOutputReaderAdapter[T]) Latest() interface{} {
	g := a.reader.BorrowForRead()
	defer g.Release()
	return *g.Value()
}

// New creates a Cycler for one manifest instance and registers its
// MainOutputs as resolvable by other cyclers through rt. initialReaders
// sizes the snapshot pool for the number of other cyclers (plus the control
// surface) expected to read this instance's output concurrently.
func New[Main, Additional, State any](
	instance manifest.CyclerInstance,
	kind manifest.Kind,
	rt *Runtime,
	hardware HardwareInterface,
	warningThreshold time.Duration,
	initialReaders int,
) *Cycler[Main, Additional, State] {
	writer := snapshot.New[Main](initialReaders)
	c := &Cycler[Main, Additional, State]{
		Instance:         instance,
		Kind:             kind,
		runtime:          rt,
		hardware:         hardware,
		writer:           writer,
		additionalWriter: snapshot.New[Additional](initialReaders),
		warningThreshold: warningThreshold,
		tickStartCap:     64,
	}
	rt.RegisterMainOutputReader(instance, &mainOutputReaderAdapter[Main]{reader: writer.NewReader()})
	return c
}

// NewAdditionalReader exposes a fresh reader onto this cycler's committed
// AdditionalOutputs, for the same components NewReader serves.
func (c *Cycler[Main, Additional, State]) NewAdditionalReader() *snapshot.Reader[Additional] {
	return c.additionalWriter.NewReader()
}

// AddSetupNode appends a node to run once before the first tick.
func (c *Cycler[Main, Additional, State]) AddSetupNode(n SetupNode[Main, Additional, State]) {
	c.setupNodes = append(c.setupNodes, n)
}

// AddNode appends a node to the per-tick pipeline, run in manifest order.
func (c *Cycler[Main, Additional, State]) AddNode(n Node[Main, Additional, State]) {
	c.nodes = append(c.nodes, n)
}

// SubscribePerception connects this (necessarily Realtime) cycler instance
// to a perception source by name, so its ticks will see that source's
// fan-in window through Context.Perception.
func (c *Cycler[Main, Additional, State]) SubscribePerception(registry *perception.Registry, source string, capacity int) {
	c.perceptionRegistry = registry
	c.perceptionSources = append(c.perceptionSources, source)
	registry.Connect(c.Instance.String(), source, capacity)
}

// PublishPerceptionAs marks this (necessarily Perception) cycler instance as
// the producer for the named perception source: after each tick commits,
// its MainOutputs is also published to registry under sourceName.
func (c *Cycler[Main, Additional, State]) PublishPerceptionAs(registry *perception.Registry, sourceName string) {
	c.perceptionRegistry = registry
	c.publishSourceName = sourceName
}

// SetCommitHook installs hook to run after every tick's MainOutputs and
// AdditionalOutputs are committed, passing the values actually published
// this tick (after any injection overlay has been applied). Replaces
// whatever hook was previously set.
func (c *Cycler[Main, Additional, State]) SetCommitHook(hook func(main Main, additional Additional)) {
	c.commitHook = hook
}

// NewReader exposes a fresh reader onto this cycler's committed MainOutputs,
// for components (recorder, server) that want direct typed access rather
// than going through Runtime.ResolvePath's reflection-based dispatch.
func (c *Cycler[Main, Additional, State]) NewReader() *snapshot.Reader[Main] {
	return c.writer.NewReader()
}

// Run executes the setup nodes once, then loops pulling ticks from source
// until it returns an error (normal shutdown included), mirroring
// data_source.go's Start: sample/prepare/run once, then loop
// blockingRead-and-process until told to stop, logging rather than
// panicking on a single bad cycle.
func (c *Cycler[Main, Additional, State]) Run(ctx context.Context, source TickSource) error {
	var main Main
	var additional Additional
	setupCtx := &Context[Main, Additional, State]{
		Instance:             c.Instance,
		Main:                 &main,
		Additional:           &additional,
		State:                &c.state,
		Hardware:             c.hardware,
		subscribedAdditional: map[string]bool{},
		injections:           map[string]interface{}{},
		perceptionWindows:    map[string]perception.Window{},
		runtime:              c.runtime,
	}
	for _, s := range c.setupNodes {
		if err := s.Setup(setupCtx); err != nil {
			return fmt.Errorf("cycler %s: setup node failed: %w", c.Instance, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		tickStart, err := source.Next(ctx)
		if err != nil {
			log.Printf("cycler %s: tick source stopped: %v", c.Instance, err)
			return err
		}
		c.runTick(tickStart)
	}
}

func (c *Cycler[Main, Additional, State]) runTick(tickStart time.Time) {
	started := time.Now()

	windows := make(map[string]perception.Window, len(c.perceptionSources))
	if c.perceptionRegistry != nil && len(c.perceptionSources) > 0 {
		buckets := append(c.recentTickStarts(), tickStart)
		for _, source := range c.perceptionSources {
			q := c.perceptionRegistry.Connect(c.Instance.String(), source, 0)
			windows[source] = q.Partition(tickStart, buckets)
		}
	}

	var main Main
	var additional Additional

	c.stateMu.Lock()
	ctx := &Context[Main, Additional, State]{
		Instance:             c.Instance,
		TickStart:            tickStart,
		Main:                 &main,
		Additional:           &additional,
		State:                &c.state,
		Hardware:             c.hardware,
		subscribedAdditional: c.runtime.subscriptionSnapshot(),
		injections:           c.runtime.injectionSnapshot(c.Instance),
		perceptionWindows:    windows,
		runtime:              c.runtime,
	}

	for _, node := range c.nodes {
		if err := node.Cycle(ctx); err != nil {
			log.Printf("cycler %s: node cycle returned error, rest of tick skipped: %v", c.Instance, err)
			break
		}
	}
	c.stateMu.Unlock()

	c.applyInjections(ctx.injections, &main)

	g := c.writer.BorrowForWrite()
	*g.Value() = main
	g.Commit()

	ag := c.additionalWriter.BorrowForWrite()
	*ag.Value() = additional
	ag.Commit()

	c.runtime.recordHistory(c.Instance, main)
	c.recordTickStart(tickStart)

	if c.perceptionRegistry != nil && c.publishSourceName != "" {
		c.perceptionRegistry.Publish(c.publishSourceName, tickStart, main)
	}

	if c.commitHook != nil {
		c.commitHook(main, additional)
	}

	if c.warningThreshold > 0 {
		if elapsed := time.Since(started); elapsed > c.warningThreshold {
			log.Printf("cycler %s: tick took %s, over warning threshold %s", c.Instance, elapsed, c.warningThreshold)
		}
	}
}

// applyInjections overlays any operator-set overrides for this instance's
// MainOutputs onto main after the node pipeline has run but before it is
// committed, so every reader of a path sees the injected value independent
// of what the producing node wrote — a framework-level overlay, not
// something a node has to opt into by checking Context.Injected itself.
// Only "main.<leaf>" injections apply here; an injection addressed to
// another namespace (e.g. a future AdditionalOutputs overlay) is left alone.
func (c *Cycler[Main, Additional, State]) applyInjections(injections map[string]interface{}, main *Main) {
	for leaf, value := range injections {
		path, ok := strings.CutPrefix(leaf, "main.")
		if !ok {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			log.Printf("cycler %s: encoding injected value for %q: %v", c.Instance, leaf, err)
			continue
		}
		if err := pathtree.SetJSON(main, path, raw); err != nil {
			log.Printf("cycler %s: applying injection %q: %v", c.Instance, leaf, err)
		}
	}
}

func (c *Cycler[Main, Additional, State]) recordTickStart(t time.Time) {
	c.tickStartsMu.Lock()
	defer c.tickStartsMu.Unlock()
	c.tickStarts = append(c.tickStarts, t)
	if len(c.tickStarts) > c.tickStartCap {
		c.tickStarts = c.tickStarts[len(c.tickStarts)-c.tickStartCap:]
	}
}

func (c *Cycler[Main, Additional, State]) recentTickStarts() []time.Time {
	c.tickStartsMu.Lock()
	defer c.tickStartsMu.Unlock()
	out := make([]time.Time, len(c.tickStarts))
	copy(out, c.tickStarts)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
