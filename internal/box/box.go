// Package box drives the servo-actuated package compartment.
package box

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relaybot-data/relaybot/internal/monitoring"
)

// ServoDriver is the slice of the serial link the box needs.
type ServoDriver interface {
	SendServo(angle int) error
}

// Config fixes the servo geometry and ramp rate.
type Config struct {
	OpenAngle  int     // degrees, box fully open
	CloseAngle int     // degrees, box fully closed
	DegPerSec  float64 // ramp rate; gentle so packages stay put
}

// DefaultConfig matches the robot's lid.
func DefaultConfig() Config {
	return Config{OpenAngle: 90, CloseAngle: 0, DegPerSec: 45}
}

// openThreshold is the acknowledged angle at and above which the box counts
// as open.
const openThreshold = 45

// Box tracks the last acknowledged servo angle. The open flag follows the
// acknowledged angle, never the requested one.
type Box struct {
	cfg    Config
	driver ServoDriver

	mu    sync.Mutex
	angle int // last acknowledged angle

	// sleep is swapped in tests to skip real ramp delays.
	sleep func(time.Duration)
}

// New creates a box tracker that assumes the lid is closed. It does not move
// the servo, and a Close on a fresh tracker sends no command either, since the
// tracked angle already equals the closed angle.
func New(cfg Config, driver ServoDriver) *Box {
	return &Box{
		cfg:    cfg,
		driver: driver,
		angle:  cfg.CloseAngle,
		sleep:  time.Sleep,
	}
}

// Open ramps the lid to the open angle.
func (b *Box) Open() error {
	return b.rampTo(b.cfg.OpenAngle)
}

// Close ramps the lid to the closed angle.
func (b *Box) Close() error {
	return b.rampTo(b.cfg.CloseAngle)
}

// IsOpen reports whether the last acknowledged angle reads as open.
func (b *Box) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.angle >= openThreshold
}

// Angle returns the last acknowledged servo angle.
func (b *Box) Angle() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.angle
}

// EmergencyClose slams the lid with a single unramped command.
func (b *Box) EmergencyClose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	monitoring.Logf("box: emergency close")
	if err := b.driver.SendServo(b.cfg.CloseAngle); err != nil {
		return fmt.Errorf("emergency close failed: %w", err)
	}
	b.angle = b.cfg.CloseAngle
	return nil
}

// rampTo walks the servo in steps sized to the configured rate. Each step is
// only recorded after its command was acknowledged, so the tracked angle
// never runs ahead of the hardware.
func (b *Box) rampTo(target int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	diff := target - b.angle
	if diff == 0 {
		return nil
	}

	steps := int(math.Min(10, math.Max(1, math.Abs(float64(diff))/10)))
	stepAngle := float64(diff) / float64(steps)
	stepDelay := time.Duration(math.Abs(float64(diff)) / b.cfg.DegPerSec / float64(steps) * float64(time.Second))

	start := b.angle
	for i := 1; i <= steps; i++ {
		next := start + int(math.Round(stepAngle*float64(i)))
		if err := b.driver.SendServo(next); err != nil {
			return fmt.Errorf("servo ramp failed at %d degrees: %w", next, err)
		}
		b.angle = next
		if i < steps {
			b.sleep(stepDelay)
		}
	}

	if b.angle != target {
		if err := b.driver.SendServo(target); err != nil {
			return fmt.Errorf("servo failed to reach %d degrees: %w", target, err)
		}
		b.angle = target
	}
	return nil
}
