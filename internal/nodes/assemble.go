package nodes

import (
	"time"

	"github.com/hulks-sub008/cyclerd/internal/cycler"
	"github.com/hulks-sub008/cyclerd/internal/hardware"
	"github.com/hulks-sub008/cyclerd/internal/manifest"
	"github.com/hulks-sub008/cyclerd/internal/perception"
)

// Manifest declares the fixed two-cycler demonstration set: one Perception
// producer (Vision) and one Realtime consumer (Behavior), matching the
// shape cmd/cyclerd starts by default.
func Manifest() manifest.Framework {
	return manifest.Framework{
		Cyclers: []manifest.Cycler{
			{
				Name:       "Vision",
				Kind:       manifest.Perception,
				Instances:  []string{""},
				SetupNodes: []string{"ball_detector"},
				Nodes:      []string{"ball_detector"},
			},
			{
				Name:             "Behavior",
				Kind:             manifest.Realtime,
				Instances:        []string{""},
				SetupNodes:       []string{"track_ball"},
				Nodes:            []string{"track_ball"},
				WarningThreshold: 12 * time.Millisecond,
			},
		},
	}
}

// Assembly holds the constructed cyclers and shared infrastructure a runner
// (cmd/cyclerd, or a test) needs to start the demonstration set.
type Assembly struct {
	Runtime    *cycler.Runtime
	Perception *perception.Registry
	Hardware   *hardware.Simulated

	Vision   *cycler.Cycler[VisionMainOutputs, VisionAdditionalOutputs, VisionState]
	Behavior *cycler.Cycler[BehaviorMainOutputs, BehaviorAdditionalOutputs, BehaviorState]
}

// Assemble wires Runtime, a shared Simulated hardware interface, and the
// Vision/Behavior cyclers together: Behavior both reads Vision's MainOutputs
// directly (Input/RequiredInput) and subscribes to it as a perception
// source (PerceptionInput), exercising both cross-cycler resolution paths
// against the same producer.
func Assemble(jointCount int) *Assembly {
	rt := cycler.NewRuntime(32)
	registry := perception.NewRegistry()
	hw := hardware.NewSimulated(jointCount)

	vision := cycler.New[VisionMainOutputs, VisionAdditionalOutputs, VisionState](
		manifest.CyclerInstance{Name: "Vision"}, manifest.Perception, rt, hw, 0, 4)
	ballDetector := &BallDetectionNode{}
	vision.AddSetupNode(ballDetector)
	vision.AddNode(ballDetector)
	vision.PublishPerceptionAs(registry, "Vision")

	behavior := cycler.New[BehaviorMainOutputs, BehaviorAdditionalOutputs, BehaviorState](
		manifest.CyclerInstance{Name: "Behavior"}, manifest.Realtime, rt, hw, 12*time.Millisecond, 4)
	trackBall := &TrackBallNode{JointCount: jointCount}
	behavior.AddNode(trackBall)
	behavior.SubscribePerception(registry, "Vision", 64)

	return &Assembly{
		Runtime:    rt,
		Perception: registry,
		Hardware:   hw,
		Vision:     vision,
		Behavior:   behavior,
	}
}
