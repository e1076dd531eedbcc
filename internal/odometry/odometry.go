// Package odometry integrates wheel encoder ticks into a dead-reckoned pose
// using differential-drive kinematics.
package odometry

import (
	"math"
	"sync"
	"time"

	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/pose"
)

// Params fixes the wheel geometry of the drive base.
type Params struct {
	WheelBase   float64 // metres between wheel contact points
	WheelRadius float64 // metres
	TicksPerRev int     // encoder ticks per wheel revolution

	// MaxTickDelta rejects per-update deltas larger than this as counter
	// glitches. Zero disables the check.
	MaxTickDelta int
}

// staleAfter is how long without an encoder update before Healthy reports
// false, and zeroStreakLimit how many consecutive all-zero deltas.
const (
	staleAfter      = 2 * time.Second
	zeroStreakLimit = 100
)

// Integrator accumulates encoder deltas into a pose. Updates and reads are
// safe from different goroutines; updates must be fed in receipt order.
type Integrator struct {
	params Params

	mu          sync.Mutex
	cur         pose.Pose
	initialized bool
	lastLeft    int32
	lastRight   int32
	lastUpdate  time.Time
	updateCount int
	zeroStreak  int

	// last integrated deltas, for the localizer's motion update
	lastDS, lastDTheta float64
}

// New creates an integrator at the origin pose.
func New(params Params) *Integrator {
	return &Integrator{params: params}
}

// Update consumes cumulative tick counts from one ENCODER line. Successive
// values are subtracted in int32 space so counter wrap produces the correct
// signed delta. Returns the integrated (ds, dtheta) for this update.
func (o *Integrator) Update(leftTicks, rightTicks int32) (ds, dtheta float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	if !o.initialized {
		// First report only establishes the baseline.
		o.initialized = true
		o.lastLeft, o.lastRight = leftTicks, rightTicks
		o.lastUpdate = now
		return 0, 0
	}

	dl := leftTicks - o.lastLeft
	dr := rightTicks - o.lastRight

	if max := o.params.MaxTickDelta; max > 0 &&
		(abs32(dl) > int32(max) || abs32(dr) > int32(max)) {
		monitoring.Logf("odometry: rejecting anomalous tick delta left=%d right=%d", dl, dr)
		o.lastLeft, o.lastRight = leftTicks, rightTicks
		o.lastUpdate = now
		return 0, 0
	}

	o.lastLeft, o.lastRight = leftTicks, rightTicks
	o.lastUpdate = now
	o.updateCount++

	if dl == 0 && dr == 0 {
		o.zeroStreak++
		o.lastDS, o.lastDTheta = 0, 0
		return 0, 0
	}
	o.zeroStreak = 0

	distPerTick := 2 * math.Pi * o.params.WheelRadius / float64(o.params.TicksPerRev)
	leftDist := float64(dl) * distPerTick
	rightDist := float64(dr) * distPerTick

	ds = (leftDist + rightDist) / 2
	dtheta = (rightDist - leftDist) / o.params.WheelBase

	var dx, dy float64
	if math.Abs(dtheta) < 1e-6 {
		dx = ds * math.Cos(o.cur.Theta)
		dy = ds * math.Sin(o.cur.Theta)
	} else {
		// Exact arc: the base moves along a circle of radius ds/dtheta.
		r := ds / dtheta
		dx = r * (math.Sin(o.cur.Theta+dtheta) - math.Sin(o.cur.Theta))
		dy = r * (math.Cos(o.cur.Theta) - math.Cos(o.cur.Theta+dtheta))
	}

	o.cur.X += dx
	o.cur.Y += dy
	o.cur.Theta = pose.NormalizeAngle(o.cur.Theta + dtheta)
	o.lastDS, o.lastDTheta = ds, dtheta

	return ds, dtheta
}

// Pose returns the current dead-reckoned pose.
func (o *Integrator) Pose() pose.Pose {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur
}

// LastDelta returns the (ds, dtheta) of the most recent non-rejected update.
func (o *Integrator) LastDelta() (ds, dtheta float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDS, o.lastDTheta
}

// Reset replaces the pose, keeping the tick baseline so the next update still
// computes a correct delta. Used when an external localizer corrects us.
func (o *Integrator) Reset(x, y, theta float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cur = pose.Pose{X: x, Y: y, Theta: pose.NormalizeAngle(theta)}
}

// Healthy reports whether the encoders look alive: updates arriving, and not
// frozen at zero for an implausible stretch.
func (o *Integrator) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.updateCount == 0 {
		return true // nothing expected yet
	}
	if time.Since(o.lastUpdate) > staleAfter {
		return false
	}
	return o.zeroStreak <= zeroStreakLimit
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
