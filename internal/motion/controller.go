// Package motion executes waypoint lists by closing two PID loops over the
// pose estimate and the wheel motors.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/pose"
)

var (
	// ErrGoalUnreachable reports a stall: distance to goal stopped
	// decreasing for the configured window.
	ErrGoalUnreachable = errors.New("goal unreachable")
	// ErrObstacleCollision reports repeated IR proximity stops in one run.
	ErrObstacleCollision = errors.New("obstacle collision")
)

// MotorDriver is the slice of the serial link the controller needs.
type MotorDriver interface {
	SendMotor(leftSpeed, rightSpeed, leftDir, rightDir int) error
	SendStop() error
}

// Config tunes the follower.
type Config struct {
	LinearPID  PID
	AngularPID PID

	MaxSpeed int // motor units, 0-255
	MinSpeed int

	PositionTolerance float64 // metres, final goal arrival
	TurnInPlaceAngle  float64 // radians; above this, linear speed is scaled down

	UpdateRate        float64       // Hz
	NoProgressTimeout time.Duration // stall window
	ProgressEpsilon   float64       // metres of improvement that reset the stall clock

	IRStopDistance     float64       // metres; closer than this is an emergency stop
	BackupDuration     time.Duration // reverse burst after an IR stop (~0.20 m)
	BackupSpeed        int
	MaxIRBackups       int
	ObstacleReplanDist float64 // scan obstacle within this of a waypoint forces a replan
	MaxReplans         int
}

// DefaultConfig matches the robot's tuning.
func DefaultConfig() Config {
	return Config{
		LinearPID:          PID{Kp: 0.8, Kd: 0.1},
		AngularPID:         PID{Kp: 1.5, Kd: 0.2},
		MaxSpeed:           200,
		MinSpeed:           60,
		PositionTolerance:  0.10,
		TurnInPlaceAngle:   0.5,
		UpdateRate:         10,
		NoProgressTimeout:  30 * time.Second,
		ProgressEpsilon:    0.02,
		IRStopDistance:     0.10,
		BackupDuration:     time.Second,
		BackupSpeed:        50,
		MaxIRBackups:       3,
		ObstacleReplanDist: 0.30,
		MaxReplans:         5,
	}
}

// Controller follows waypoint lists. One Follow call runs at a time; the
// navigator enforces that.
type Controller struct {
	cfg    Config
	driver MotorDriver

	// PoseFn returns the current pose estimate.
	PoseFn func() pose.Pose
	// IRFn returns the latest proximity reading in metres, false when the
	// sensor has not reported.
	IRFn func() (float64, bool)
	// ScanFn returns the latest scan for obstacle checks; may return nil.
	ScanFn func() lidar.Scan
	// ReplanFn plans a fresh path from the current position to the goal.
	// Nil disables replanning: an IR stop then fails the run, and a path
	// blocked in the scan is driven as it was planned.
	ReplanFn func(fromX, fromY, toX, toY float64) ([]pose.Waypoint, error)
}

// NewController builds a follower over the given driver.
func NewController(cfg Config, driver MotorDriver) *Controller {
	return &Controller{cfg: cfg, driver: driver}
}

// Follow drives the path to its final waypoint. On every exit — success,
// failure, or cancellation — a zero-speed motor command has been issued.
func (c *Controller) Follow(ctx context.Context, path []pose.Waypoint) (err error) {
	defer func() {
		if stopErr := c.driver.SendStop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	if len(path) == 0 {
		return nil
	}
	goal := path[len(path)-1]
	if goal.Tolerance == 0 {
		goal.Tolerance = c.cfg.PositionTolerance
	}

	linear := c.cfg.LinearPID
	angular := c.cfg.AngularPID
	period := time.Duration(float64(time.Second) / c.cfg.UpdateRate)

	wpIdx := 0
	irBackups := 0
	replans := 0

	bestGoalDist := math.Inf(1)
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur := c.PoseFn()

		goalDist := pose.Distance(cur.X, cur.Y, goal.X, goal.Y)
		if goalDist <= goal.Radius() {
			return nil
		}

		// Stall detection on the best distance seen so far.
		if goalDist < bestGoalDist-c.cfg.ProgressEpsilon {
			bestGoalDist = goalDist
			lastProgress = time.Now()
		} else if time.Since(lastProgress) > c.cfg.NoProgressTimeout {
			return fmt.Errorf("%w: no progress for %s at (%.2f, %.2f)",
				ErrGoalUnreachable, c.cfg.NoProgressTimeout, cur.X, cur.Y)
		}

		// IR emergency stop: halt, back off, replan.
		if ir, ok := c.irReading(); ok && ir < c.cfg.IRStopDistance {
			irBackups++
			monitoring.Logf("motion: IR proximity %.2fm, emergency stop (%d/%d)", ir, irBackups, c.cfg.MaxIRBackups)
			if irBackups > c.cfg.MaxIRBackups {
				return fmt.Errorf("%w: %d proximity stops", ErrObstacleCollision, irBackups)
			}
			if err := c.backUp(ctx); err != nil {
				return err
			}
			newPath, ok := c.replan(&replans, goal)
			if !ok {
				return fmt.Errorf("%w: replan after proximity stop failed", ErrObstacleCollision)
			}
			path, wpIdx = newPath, 0
			linear.Reset()
			angular.Reset()
			continue
		}

		// Scan check: an obstacle near any remaining waypoint forces a replan.
		if c.pathBlocked(path[wpIdx:], cur) {
			monitoring.Logf("motion: scan obstacle near remaining path, replanning")
			if newPath, ok := c.replan(&replans, goal); ok {
				path, wpIdx = newPath, 0
				linear.Reset()
				angular.Reset()
				continue
			}
			// Keep driving the old path; the IR stop is the hard backstop.
		}

		// Waypoint bookkeeping.
		for wpIdx < len(path)-1 &&
			pose.Distance(cur.X, cur.Y, path[wpIdx].X, path[wpIdx].Y) <= path[wpIdx].Radius() {
			wpIdx++
			linear.Reset()
			angular.Reset()
		}
		wp := path[wpIdx]

		// Two PID loops: angular on heading error, linear on distance.
		dist := pose.Distance(cur.X, cur.Y, wp.X, wp.Y)
		headingErr := pose.NormalizeAngle(cur.BearingTo(wp.X, wp.Y) - cur.Theta)

		dt := period.Seconds()
		linearOut := linear.Update(dist, dt)
		angularOut := angular.Update(headingErr, dt)

		if err := c.drive(linearOut, angularOut, headingErr); err != nil {
			// A dead link is not recoverable here; surface it unchanged so
			// the state machine can classify it.
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(period):
		}
	}
}

func (c *Controller) irReading() (float64, bool) {
	if c.IRFn == nil {
		return 0, false
	}
	return c.IRFn()
}

// pathBlocked reports whether the latest scan shows an obstacle within the
// replan distance of any remaining waypoint. Scan points are in the sensor
// frame; they are transformed by the current pose.
func (c *Controller) pathBlocked(remaining []pose.Waypoint, cur pose.Pose) bool {
	if c.ScanFn == nil || len(remaining) == 0 {
		return false
	}
	scan := c.ScanFn()
	if len(scan) == 0 {
		return false
	}
	sin, cos := math.Sincos(cur.Theta)
	for _, p := range scan {
		lx, ly := p.Cartesian()
		wx := cur.X + lx*cos - ly*sin
		wy := cur.Y + lx*sin + ly*cos
		for _, wp := range remaining {
			if pose.Distance(wx, wy, wp.X, wp.Y) < c.cfg.ObstacleReplanDist {
				return true
			}
		}
	}
	return false
}

func (c *Controller) replan(replans *int, goal pose.Waypoint) ([]pose.Waypoint, bool) {
	if c.ReplanFn == nil || *replans >= c.cfg.MaxReplans {
		return nil, false
	}
	*replans++
	cur := c.PoseFn()
	path, err := c.ReplanFn(cur.X, cur.Y, goal.X, goal.Y)
	if err != nil || len(path) == 0 {
		monitoring.Logf("motion: replan %d failed: %v", *replans, err)
		return nil, false
	}
	return path, true
}

// backUp reverses roughly 0.20 m, then stops.
func (c *Controller) backUp(ctx context.Context) error {
	if err := c.driver.SendStop(); err != nil {
		return err
	}
	if err := c.driver.SendMotor(c.cfg.BackupSpeed, c.cfg.BackupSpeed, 1, 1); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.BackupDuration):
	}
	return c.driver.SendStop()
}

// drive maps PID outputs onto differential motor commands. Large heading
// errors shrink the linear term so the base turns in place first.
func (c *Controller) drive(linearOut, angularOut, headingErr float64) error {
	maxSpeed := float64(c.cfg.MaxSpeed)

	linearSpeed := clamp(linearOut*maxSpeed, float64(c.cfg.MinSpeed), maxSpeed)
	if math.Abs(headingErr) > c.cfg.TurnInPlaceAngle {
		scale := c.cfg.TurnInPlaceAngle / math.Abs(headingErr)
		if scale < 0.2 {
			scale = 0.2
		}
		linearSpeed *= scale
	}

	turn := angularOut * maxSpeed * 0.5
	left := clamp(linearSpeed-turn, -maxSpeed, maxSpeed)
	right := clamp(linearSpeed+turn, -maxSpeed, maxSpeed)

	leftDir, rightDir := 0, 0
	if left < 0 {
		leftDir = 1
	}
	if right < 0 {
		rightDir = 1
	}

	return c.driver.SendMotor(int(math.Abs(left)), int(math.Abs(right)), leftDir, rightDir)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
