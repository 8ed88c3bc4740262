// Package manifest declares the build-time shape of the cycler set: which
// cyclers exist, what kind they are, which instances they run as, and which
// setup/cycle nodes make up their per-tick pipeline.
//
// The manifest is consulted at startup as tables of declarations rather
// than expanded into generated code; this mirrors
// original_source/crates/hulk_manifest/src/lib.rs's collect_hulk_cyclers,
// which builds a FrameworkManifest{cyclers: []CyclerManifest{...}} literal
// and hands it to source_analyzer::Cyclers::try_from_manifest.
package manifest

import (
	"fmt"
	"time"
)

// Kind distinguishes a cycler driven by the realtime sensor cadence from
// one driven by its own data source (camera, audio, network).
type Kind int

const (
	// Realtime cyclers run on a single dedicated thread driven by an
	// external tick source (sensor-data arrival, a periodic timer).
	Realtime Kind = iota
	// Perception cyclers run on one thread per instance, driven by their
	// own input source (a camera frame, an audio buffer, a network packet).
	Perception
)

func (k Kind) String() string {
	switch k {
	case Realtime:
		return "Realtime"
	case Perception:
		return "Perception"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Cycler declares one named pipeline: its kind, its instances, and the
// ordered setup/cycle node lists that run each tick. Node names are opaque
// strings that the runtime does not resolve itself: the wiring code (see
// nodes.Assemble) adds the matching nodes with AddSetupNode/AddNode;
// keeping them as strings here, rather than Go function values, is what
// lets the manifest remain pure data — exactly the role CyclerManifest
// plays in the source (name, kind, instances, setup_nodes, nodes).
type Cycler struct {
	Name       string
	Kind       Kind
	Instances  []string
	SetupNodes []string
	Nodes      []string
	// WarningThreshold is the per-tick duration above which the scheduler
	// logs a warning. Zero means no warning is ever
	// emitted, matching the manifest's `execution_time_warning_threshold:
	// None` entries (e.g. HslNetwork, Image, FallDownState in
	// hulk_manifest::collect_hulk_cyclers).
	WarningThreshold time.Duration
}

// Framework is the full process-wide manifest: the fixed set of cyclers
// declared at build time ("The process hosts a fixed set of
// cyclers, declared in a manifest at build time").
type Framework struct {
	Cyclers []Cycler
}

// Validate checks structural constraints a manifest must satisfy before the
// runtime will start: every cycler needs a non-empty name unique across the
// manifest, at least one instance and at least one setup node; instance
// names are not required to be unique across cyclers but must be unique
// within one cycler, and any cycler with more than one instance must give
// each a non-empty name ("" is allowed only for a single instance).
func (f Framework) Validate() error {
	seenCyclerNames := map[string]bool{}
	for _, c := range f.Cyclers {
		if c.Name == "" {
			return fmt.Errorf("manifest: cycler with empty name")
		}
		if seenCyclerNames[c.Name] {
			return fmt.Errorf("manifest: duplicate cycler name %q", c.Name)
		}
		seenCyclerNames[c.Name] = true

		if len(c.Instances) == 0 {
			return fmt.Errorf("manifest: cycler %q declares no instances", c.Name)
		}
		seenInstances := map[string]bool{}
		for _, inst := range c.Instances {
			if seenInstances[inst] {
				return fmt.Errorf("manifest: cycler %q declares duplicate instance %q", c.Name, inst)
			}
			seenInstances[inst] = true
		}
		if len(c.Instances) > 1 {
			for _, inst := range c.Instances {
				if inst == "" {
					return fmt.Errorf("manifest: cycler %q has multiple instances but one is unnamed", c.Name)
				}
			}
		}
		if len(c.SetupNodes) == 0 {
			return fmt.Errorf("manifest: cycler %q declares no setup nodes (every cycle needs at least an input receiver)", c.Name)
		}
	}
	return nil
}

// CyclerInstance identifies one running copy of a cycler: (name, instance),
// identified by (name, instance).
type CyclerInstance struct {
	Name     string
	Instance string
}

func (c CyclerInstance) String() string {
	if c.Instance == "" {
		return c.Name
	}
	return c.Name + "/" + c.Instance
}

// Instances expands a Framework into the flat list of (cycler, instance)
// pairs that will each get their own goroutine and thread-equivalent.
func (f Framework) Instances() []CyclerInstance {
	var out []CyclerInstance
	for _, c := range f.Cyclers {
		for _, inst := range c.Instances {
			out = append(out, CyclerInstance{Name: c.Name, Instance: inst})
		}
	}
	return out
}

// ByName returns the Cycler declaration with the given name, if any.
func (f Framework) ByName(name string) (Cycler, bool) {
	for _, c := range f.Cyclers {
		if c.Name == name {
			return c, true
		}
	}
	return Cycler{}, false
}
