package nodes

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hulks-sub008/cyclerd/internal/cycler"
	"github.com/hulks-sub008/cyclerd/internal/hardware"
)

// BehaviorMainOutputs is Behavior's committed per-tick output: the action it
// decided on, the actuator targets it sent, and its own estimated field
// pose (decomposed from RobotToField into x/y/heading so it's a plain,
// injectable leaf rather than a matrix type pathtree has no schema for).
type BehaviorMainOutputs struct {
	Action          string  `path:"action"`
	WalkSpeed       float64 `path:"walk_speed"`
	TicksAlive      int     `path:"ticks_alive"`
	RobotToFieldX   float64 `path:"robot_to_field_x"`
	RobotToFieldY   float64 `path:"robot_to_field_y"`
	RobotToFieldRot float64 `path:"robot_to_field_rot"`
}

// BehaviorAdditionalOutputs is debug-only output: Vision's last ball
// position mirrored here for a connected operator client, only filled in
// when actually subscribed.
type BehaviorAdditionalOutputs struct {
	LastBallX         float64 `path:"last_ball_x"`
	FieldBallX        float64 `path:"field_ball_x"`
	FieldBallY        float64 `path:"field_ball_y"`
	PerceptionEntries int     `path:"perception_entries"`
}

// BehaviorState is Behavior's private per-instance state. RobotToField is
// the robot's estimated pose as a 3x3 homogeneous transform (planar
// rotation + translation), the same matrix shape the ball position is
// projected through on its way from camera-relative to field-relative
// coordinates.
type BehaviorState struct {
	Ticks           int
	ConsecutiveLost int
	RobotToField    *mat.Dense
}

// fieldBallPosition projects a camera-relative (x, y) ball position through
// robotToField, initializing it to identity on first use.
func fieldBallPosition(robotToField **mat.Dense, x, y float64) (float64, float64) {
	if *robotToField == nil {
		*robotToField = mat.NewDense(3, 3, []float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, 1,
		})
	}
	relative := mat.NewVecDense(3, []float64{x, y, 1})
	var field mat.VecDense
	field.MulVec(*robotToField, relative)
	return field.AtVec(0), field.AtVec(1)
}

// TrackBallNode reacts to Vision's output three different ways: a
// RequiredInput gate on ball visibility, a plain Input for the ball
// position, and a PerceptionInput fan-in window for everything Vision
// published since the last tick (Vision runs at its own cadence, almost
// always faster than Behavior's).
type TrackBallNode struct {
	JointCount int
}

// Cycle implements cycler.Node.
func (n *TrackBallNode) Cycle(ctx *cycler.Context[BehaviorMainOutputs, BehaviorAdditionalOutputs, BehaviorState]) error {
	ctx.State.Ticks++
	ctx.Main.TicksAlive = ctx.State.Ticks

	visible, ok := cycler.RequiredInput[bool](ctx, "Vision", "ball_visible")
	if !ok {
		ctx.State.ConsecutiveLost++
		ctx.Main.Action = "search"
		return nil
	}
	ctx.State.ConsecutiveLost = 0

	ballX := cycler.Input[float64](ctx, "Vision", "ball_x")
	ballY := cycler.Input[float64](ctx, "Vision", "ball_y")
	fieldX, fieldY := fieldBallPosition(&ctx.State.RobotToField, ballX, ballY)

	ctx.Main.RobotToFieldX = ctx.State.RobotToField.At(0, 2)
	ctx.Main.RobotToFieldY = ctx.State.RobotToField.At(1, 2)
	ctx.Main.RobotToFieldRot = math.Atan2(ctx.State.RobotToField.At(1, 0), ctx.State.RobotToField.At(0, 0))

	if !visible {
		ctx.Main.Action = "scan"
		ctx.Main.WalkSpeed = 0
	} else {
		ctx.Main.Action = "walk"
		ctx.Main.WalkSpeed = 0.3
	}

	window := ctx.Perception("Vision")
	entryCount := 0
	for _, bucket := range window.Persistent {
		entryCount += len(bucket)
	}
	for _, bucket := range window.Temporary {
		entryCount += len(bucket)
	}

	if ctx.Subscribed("Behavior.additional.last_ball_x") {
		ctx.Additional.LastBallX = ballX
		ctx.Additional.FieldBallX = fieldX
		ctx.Additional.FieldBallY = fieldY
		ctx.Additional.PerceptionEntries = entryCount
	}

	targets := make([]float64, n.JointCount)
	for i := range targets {
		targets[i] = ctx.Main.WalkSpeed * float64(i%2)
	}
	return ctx.Hardware.WriteActuators(hardware.ActuatorCommand{JointTargets: targets})
}
