// Package hardware provides cycler.HardwareInterface implementations. The
// production robot build would wire in a real NAO/joint-bus driver here;
// this package ships the Simulated implementation used by cmd/cyclerd's
// default configuration and by tests, generating synthetic sensor frames
// the way data_source.go's AnySource.Sample drives a simulated DataSource
// off a free-running timer rather than real ADC hardware.
package hardware

import (
	"math"
	"sync"
	"time"
)

// SensorFrame is the payload a Simulated HardwareInterface hands back from
// ReadSensorData: a minimal set of joint/IMU-like readings, enough for
// nodes to build a walk or a vision pipeline against without a real robot.
type SensorFrame struct {
	Timestamp      time.Time
	JointAngles    []float64
	AccelerometerX float64
	AccelerometerY float64
	AccelerometerZ float64
	BatteryPercent float64
}

// ActuatorCommand is the payload written back out on every tick.
type ActuatorCommand struct {
	JointTargets []float64
}

// Simulated is a deterministic, dependency-free HardwareInterface: joint
// angles trace a slow sine wave and the accelerometer reports a resting
// orientation, enough to exercise a cyclic pipeline end to end without
// real actuators attached.
type Simulated struct {
	mu          sync.Mutex
	jointCount  int
	started     time.Time
	lastCommand ActuatorCommand
}

// NewSimulated creates a Simulated hardware interface reporting jointCount
// joints.
func NewSimulated(jointCount int) *Simulated {
	return &Simulated{
		jointCount: jointCount,
		started:    time.Now(),
	}
}

// ReadSensorData implements cycler.HardwareInterface.
func (s *Simulated) ReadSensorData() (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.started).Seconds()
	angles := make([]float64, s.jointCount)
	for i := range angles {
		phase := float64(i) * 0.3
		angles[i] = 0.2 * math.Sin(elapsed+phase)
	}
	return SensorFrame{
		Timestamp:      time.Now(),
		JointAngles:    angles,
		AccelerometerX: 0,
		AccelerometerY: 0,
		AccelerometerZ: 9.81,
		BatteryPercent: 100 - math.Mod(elapsed, 3600)/36,
	}, nil
}

// WriteActuators implements cycler.HardwareInterface. Simulated just
// records the most recent command; NAO-side logging or joint-limit
// clamping would happen here in a real driver.
func (s *Simulated) WriteActuators(command interface{}) error {
	cmd, ok := command.(ActuatorCommand)
	if !ok {
		return errWrongActuatorType{got: command}
	}
	s.mu.Lock()
	s.lastCommand = cmd
	s.mu.Unlock()
	return nil
}

// LastCommand returns the most recently written ActuatorCommand, for tests
// and for a debug cycler that mirrors actuator targets into the
// path-addressed tree.
func (s *Simulated) LastCommand() ActuatorCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommand
}

type errWrongActuatorType struct{ got interface{} }

func (e errWrongActuatorType) Error() string {
	return "hardware: WriteActuators expects an ActuatorCommand"
}
