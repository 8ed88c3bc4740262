package pathtree

import (
	"encoding/json"
	"reflect"
	"testing"
)

type innerOutputs struct {
	Confidence float64 `path:"confidence"`
}

type mainOutputs struct {
	RobotToField float64       `path:"robot_to_field"`
	BallPosition *innerOutputs `path:"ball_position,optional"`
	TopImage     []byte        `path:"top_image,binary"`
}

func TestWalkProducesSortedLeaves(t *testing.T) {
	schema, err := Walk(reflect.TypeOf(mainOutputs{}))
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	got := schema.Leaves()
	want := []string{"ball_position.confidence", "robot_to_field", "top_image"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Leaves() = %v, want %v", got, want)
	}

	leaf, ok := schema.Find("ball_position.confidence")
	if !ok || !leaf.Optional {
		t.Errorf("ball_position.confidence should be optional (found=%v, leaf=%+v)", ok, leaf)
	}

	leaf, ok = schema.Find("top_image")
	if !ok || !leaf.Binary {
		t.Errorf("top_image should be declared binary (found=%v, leaf=%+v)", ok, leaf)
	}
}

func TestGetSetJSON(t *testing.T) {
	m := &mainOutputs{RobotToField: 1.5, BallPosition: &innerOutputs{Confidence: 0.9}}

	v, err := Get(m, "robot_to_field")
	if err != nil || v.(float64) != 1.5 {
		t.Fatalf("Get(robot_to_field) = %v, %v", v, err)
	}

	v, err = Get(m, "ball_position.confidence")
	if err != nil || v.(float64) != 0.9 {
		t.Fatalf("Get(ball_position.confidence) = %v, %v", v, err)
	}

	if err := SetJSON(m, "robot_to_field", json.RawMessage(`3.25`)); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	if m.RobotToField != 3.25 {
		t.Errorf("after SetJSON, RobotToField = %v, want 3.25", m.RobotToField)
	}
}

func TestGetMissingOptionalIsNil(t *testing.T) {
	m := &mainOutputs{}
	v, err := Get(m, "ball_position")
	if err != nil {
		t.Fatalf("Get(ball_position) error = %v", err)
	}
	if v != nil {
		t.Errorf("Get(ball_position) on a nil optional = %v, want nil", v)
	}
}

func TestGetUnknownPath(t *testing.T) {
	m := &mainOutputs{}
	if _, err := Get(m, "does_not_exist"); err != ErrPathNotFound {
		t.Errorf("Get(does_not_exist) error = %v, want ErrPathNotFound", err)
	}
}

func TestBinaryLeafRejectsJSONGet(t *testing.T) {
	m := &mainOutputs{TopImage: []byte{1, 2, 3}}
	if _, err := GetBinary(m, "robot_to_field"); err != ErrUnsupportedFormat {
		t.Errorf("GetBinary(robot_to_field) error = %v, want ErrUnsupportedFormat", err)
	}
	b, err := GetBinary(m, "top_image")
	if err != nil || len(b) != 3 {
		t.Errorf("GetBinary(top_image) = %v, %v, want [1 2 3]", b, err)
	}
	if _, err := GetJSON(m, "top_image"); err != ErrUnsupportedFormat {
		t.Errorf("GetJSON(top_image) error = %v, want ErrUnsupportedFormat", err)
	}
	if err := SetJSON(m, "top_image", json.RawMessage(`"x"`)); err != ErrUnsupportedFormat {
		t.Errorf("SetJSON(top_image) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestTreeRegisterConflict(t *testing.T) {
	schema, _ := Walk(reflect.TypeOf(mainOutputs{}))
	tree := NewTree()
	if err := tree.Register("Control.main", schema); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := tree.Register("Control.main.ball_position", schema); err == nil {
		t.Error("Register() of a path nested under an existing root should fail")
	}
	if err := tree.Register("Control.additional", schema); err != nil {
		t.Errorf("Register() of a disjoint root should succeed, got %v", err)
	}
}

func TestTreeResolve(t *testing.T) {
	schema, _ := Walk(reflect.TypeOf(mainOutputs{}))
	tree := NewTree()
	tree.Register("Control.main", schema)

	root, leaf, _, err := tree.Resolve("Control.main.robot_to_field")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if root != "Control.main" || leaf != "robot_to_field" {
		t.Errorf("Resolve() = (%q, %q), want (Control.main, robot_to_field)", root, leaf)
	}

	if _, _, _, err := tree.Resolve("Unknown.main.x"); err != ErrPathNotFound {
		t.Errorf("Resolve(unknown root) error = %v, want ErrPathNotFound", err)
	}
}

func TestExpandVariable(t *testing.T) {
	got := ExpandVariable("$cycler_instance.main.robot_to_field", "Control")
	want := "Control.main.robot_to_field"
	if got != want {
		t.Errorf("ExpandVariable() = %q, want %q", got, want)
	}
}

func TestValidatePath(t *testing.T) {
	valid := []string{
		"Control.main.robot_to_field",
		"$cycler_instance.main.ball_position?",
		"a1.b_2",
	}
	for _, p := range valid {
		if err := ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}

	invalid := []string{
		"",
		".",
		"Control..main",
		"$unknown_variable.main",
		"1starts_with_digit",
		"has space",
		"$cycler_instance.$cycler_instance",
	}
	for _, p := range invalid {
		if err := ValidatePath(p); err == nil {
			t.Errorf("ValidatePath(%q) = nil, want error", p)
		}
	}
}
