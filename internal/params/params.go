// Package params implements the layered parameter tree: default.json,
// overridden by location/<location>.json, overridden by body/<body_id>.json,
// overridden by head/<head_id>.json, deep-merged at leaf granularity with a
// JSON null meaning "inherit the previous layer's value at this path".
//
// This is a distinct concept from the process-wide ambient configuration
// (listen addresses, log level, recording directory) loaded through
// github.com/spf13/viper the way rpc_server.go loads simpulse/triangle/
// lancero/writing config via viper.UnmarshalKey: viper configures the
// process once at startup, while the parameter tree here is hot-reloadable,
// published to every cycler tick through internal/snapshot the same way a
// cycler's own MainOutputs is, and writable by a client over the control
// connection (the server's read requests do not cover parameter paths).
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hulks-sub008/cyclerd/internal/snapshot"
)

// Identity names the concrete robot a process is configured for, selecting
// which location/body/head override files apply.
type Identity struct {
	Location string
	BodyID   string
	HeadID   string
}

// Tree is a merged parameter document, published as JSON bytes through a
// snapshot channel so every cycler tick sees a consistent, race-free view.
type Tree struct {
	writer *snapshot.Writer[json.RawMessage]
}

// NewTree creates an empty, unpublished parameter tree. Call Load before
// reading from it.
func NewTree(initialReaders int) *Tree {
	return &Tree{writer: snapshot.New[json.RawMessage](initialReaders)}
}

// Snapshot implements cycler.ParameterSource: it returns the latest merged
// document decoded from JSON (nested map[string]interface{}), boxed, for
// Runtime.Parameters to hand to the cycler Parameter accessor.
func (t *Tree) Snapshot() interface{} {
	r := t.writer.NewReader()
	defer r.Close()
	g := r.BorrowForRead()
	defer g.Release()
	var decoded interface{}
	if err := json.Unmarshal(*g.Value(), &decoded); err != nil {
		return nil
	}
	return decoded
}

// NewReader exposes a raw-JSON reader for components that want the merged
// document's bytes directly rather than a decoded interface{}.
func (t *Tree) NewReader() *snapshot.Reader[json.RawMessage] {
	return t.writer.NewReader()
}

// layerFiles returns the ordered list of override files to merge, from
// least to most specific, matching default -> location -> body -> head.
func layerFiles(dir string, id Identity) []string {
	files := []string{filepath.Join(dir, "default.json")}
	if id.Location != "" {
		files = append(files, filepath.Join(dir, "location", id.Location+".json"))
	}
	if id.BodyID != "" {
		files = append(files, filepath.Join(dir, "body", id.BodyID+".json"))
	}
	if id.HeadID != "" {
		files = append(files, filepath.Join(dir, "head", id.HeadID+".json"))
	}
	return files
}

// Load reads and deep-merges every applicable layer under dir for id, and
// publishes the result. Missing override files (location/body/head, not
// default.json) are skipped rather than treated as an error, since not
// every identity has every override.
func (t *Tree) Load(dir string, id Identity) error {
	merged, err := mergeLayers(dir, id)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("params: marshalling merged tree: %w", err)
	}
	g := t.writer.BorrowForWrite()
	*g.Value() = encoded
	g.Commit()
	return nil
}

func mergeLayers(dir string, id Identity) (map[string]interface{}, error) {
	files := layerFiles(dir, id)
	merged := map[string]interface{}{}
	for i, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && i > 0 {
				continue
			}
			return nil, fmt.Errorf("params: reading %s: %w", path, err)
		}
		var layer map[string]interface{}
		if err := json.Unmarshal(raw, &layer); err != nil {
			return nil, fmt.Errorf("params: parsing %s: %w", path, err)
		}
		merged = deepMerge(merged, layer)
	}
	return merged, nil
}

// deepMerge merges overlay onto base: a null in overlay leaves the base
// value at that key untouched (the layering system's "inherit the previous
// layer" signal — a more specific layer saying "I have nothing to add
// here," not "delete this"), an object in overlay merges recursively, and
// any other value replaces the base value wholesale.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, overlayValue := range overlay {
		if overlayValue == nil {
			continue
		}
		overlayObj, overlayIsObj := overlayValue.(map[string]interface{})
		baseObj, baseIsObj := result[k].(map[string]interface{})
		if overlayIsObj && baseIsObj {
			result[k] = deepMerge(baseObj, overlayObj)
			continue
		}
		result[k] = overlayValue
	}
	return result
}

// Write applies a single path-addressed write (a control connection "write"
// message) to the in-memory merged tree and republishes it. This does not
// persist to the layer files on disk: operator writes are in-memory
// overlays on the merged tree, and only Load (on restart, or an explicit
// reload) re-derives the tree from the layer files.
func (t *Tree) Write(path string, value json.RawMessage) error {
	r := t.writer.NewReader()
	defer r.Close()
	g := r.BorrowForRead()
	var current map[string]interface{}
	if err := json.Unmarshal(*g.Value(), &current); err != nil {
		g.Release()
		return fmt.Errorf("params: decoding current tree: %w", err)
	}
	g.Release()

	var decodedValue interface{}
	if err := json.Unmarshal(value, &decodedValue); err != nil {
		return fmt.Errorf("params: decoding write value: %w", err)
	}

	if err := setPath(current, path, decodedValue); err != nil {
		return err
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("params: re-marshalling tree: %w", err)
	}
	wg := t.writer.BorrowForWrite()
	*wg.Value() = encoded
	wg.Commit()
	return nil
}

func setPath(tree map[string]interface{}, path string, value interface{}) error {
	segments := splitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("params: empty write path")
	}
	node := tree
	for _, seg := range segments[:len(segments)-1] {
		next, ok := node[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			node[seg] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = value
	return nil
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}
