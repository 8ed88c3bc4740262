package params

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMergesLayersInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "default.json"), `{
		"walk": {"max_speed": 0.3, "step_height": 0.02},
		"vision": {"exposure": 1000}
	}`)
	writeFile(t, filepath.Join(dir, "location", "field_a.json"), `{
		"walk": {"max_speed": 0.5}
	}`)
	writeFile(t, filepath.Join(dir, "body", "7.json"), `{
		"walk": {"step_height": null}
	}`)

	tree := NewTree(1)
	if err := tree.Load(dir, Identity{Location: "field_a", BodyID: "7"}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	decoded := tree.Snapshot().(map[string]interface{})
	walk := decoded["walk"].(map[string]interface{})
	if walk["max_speed"] != 0.5 {
		t.Errorf("max_speed = %v, want 0.5 (location override)", walk["max_speed"])
	}
	if walk["step_height"] != 0.02 {
		t.Errorf("step_height = %v, want 0.02 (null inherits the previous layer's value)", walk["step_height"])
	}
	vision := decoded["vision"].(map[string]interface{})
	if vision["exposure"] != float64(1000) {
		t.Errorf("vision.exposure = %v, want 1000 (untouched default)", vision["exposure"])
	}
}

func TestLoadToleratesMissingOverrideFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "default.json"), `{"walk": {"max_speed": 0.3}}`)

	tree := NewTree(1)
	if err := tree.Load(dir, Identity{Location: "nonexistent", BodyID: "99", HeadID: "1"}); err != nil {
		t.Fatalf("Load() error = %v, want nil (missing overrides are skipped)", err)
	}
}

func TestLoadFailsOnMissingDefault(t *testing.T) {
	dir := t.TempDir()
	tree := NewTree(1)
	if err := tree.Load(dir, Identity{}); err == nil {
		t.Error("Load() with no default.json should fail")
	}
}

func TestWriteOverlaysInMemory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "default.json"), `{"walk": {"max_speed": 0.3}}`)

	tree := NewTree(1)
	if err := tree.Load(dir, Identity{}); err != nil {
		t.Fatal(err)
	}
	if err := tree.Write("walk.max_speed", json.RawMessage(`0.9`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	decoded := tree.Snapshot().(map[string]interface{})
	walk := decoded["walk"].(map[string]interface{})
	if walk["max_speed"] != 0.9 {
		t.Errorf("after Write, max_speed = %v, want 0.9", walk["max_speed"])
	}

	// On-disk layer files are untouched by Write.
	raw, err := os.ReadFile(filepath.Join(dir, "default.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"walk": {"max_speed": 0.3}}` {
		t.Errorf("Write() must not mutate layer files on disk")
	}
}

func TestDeepMergeNestedObjects(t *testing.T) {
	base := map[string]interface{}{"a": map[string]interface{}{"x": 1.0, "y": 2.0}}
	overlay := map[string]interface{}{"a": map[string]interface{}{"y": 3.0, "z": 4.0}}
	merged := deepMerge(base, overlay)
	a := merged["a"].(map[string]interface{})
	if a["x"] != 1.0 || a["y"] != 3.0 || a["z"] != 4.0 {
		t.Errorf("deepMerge result = %v, want x=1 y=3 z=4", a)
	}
}
