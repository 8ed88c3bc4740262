// Package nodes contains a small, self-contained set of simulated cyclers
// exercising cross-cycler and perception inputs end to end:
// a Perception cycler (Vision) publishing ball detections off a synthetic
// camera-equivalent source, and a Realtime cycler (Behavior) consuming
// Vision's output two ways (cross-cycler Input/RequiredInput and a
// PerceptionInput fan-in window); HistoricInput and Parameter are not
// used here. This mirrors the way
// triggering_test.go's simulated channels exercise TriggerBroker without
// needing real ADC hardware attached.
package nodes

import (
	"math"
	"time"

	"github.com/hulks-sub008/cyclerd/internal/cycler"
)

// VisionMainOutputs is Vision's committed per-tick output: whatever the
// (simulated) ball detector found this frame.
type VisionMainOutputs struct {
	BallVisible bool    `path:"ball_visible"`
	BallX       float64 `path:"ball_x"`
	BallY       float64 `path:"ball_y"`
	FrameNumber int     `path:"frame_number"`
}

// VisionAdditionalOutputs carries debug-only output, only computed when a
// client has actually subscribed to it.
type VisionAdditionalOutputs struct {
	Brightness float64 `path:"brightness"`
}

// VisionState is Vision's private per-instance state, persisted across
// ticks but never published.
type VisionState struct {
	FramesProcessed int
}

// BallDetectionNode stands in for a real image-processing pipeline: it
// synthesizes a ball position tracing a slow circular path, so Behavior has
// something non-trivial to react to without an actual camera attached.
type BallDetectionNode struct {
	started time.Time
}

// Setup implements cycler.SetupNode.
func (n *BallDetectionNode) Setup(ctx *cycler.Context[VisionMainOutputs, VisionAdditionalOutputs, VisionState]) error {
	n.started = time.Now()
	return nil
}

// Cycle implements cycler.Node. It always computes the synthetic
// trajectory; an operator override for "main.ball_x" (or any other
// MainOutputs leaf) is applied as a framework-level overlay after the node
// pipeline runs, independent of what this node writes here.
func (n *BallDetectionNode) Cycle(ctx *cycler.Context[VisionMainOutputs, VisionAdditionalOutputs, VisionState]) error {
	ctx.State.FramesProcessed++

	elapsed := ctx.TickStart.Sub(n.started).Seconds()
	ctx.Main.BallVisible = true
	ctx.Main.BallX = math.Cos(elapsed)
	ctx.Main.BallY = math.Sin(elapsed)
	ctx.Main.FrameNumber = ctx.State.FramesProcessed

	if ctx.Subscribed("Vision.additional.brightness") {
		ctx.Additional.Brightness = 0.5 + 0.5*math.Sin(elapsed*3)
	}
	return nil
}
