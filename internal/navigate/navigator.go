// Package navigate composes the localizer, planner, and motion controller
// behind the three-call surface the state machine uses: NavigateTo, Stop,
// CurrentPose.
package navigate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/localize"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/motion"
	"github.com/relaybot-data/relaybot/internal/planner"
	"github.com/relaybot-data/relaybot/internal/pose"
)

var (
	// ErrBusy reports a second NavigateTo while one is in flight.
	ErrBusy = errors.New("navigation already in progress")
	// ErrCancelled reports that Stop (or context cancellation) ended the
	// navigation before arrival.
	ErrCancelled = errors.New("navigation cancelled")
)

// Navigator owns the pose belief and at most one active navigation.
type Navigator struct {
	planner *planner.Planner
	ctrl    *motion.Controller
	filter  *localize.Filter
	scans   lidar.Source
	driver  motion.MotorDriver

	localizePeriod time.Duration

	mu         sync.Mutex
	est        pose.Pose
	latestScan lidar.Scan
	pendingDS  float64
	pendingDTh float64
	navActive  bool
	navCancel  context.CancelFunc
	healthErr  error
}

// New wires the façade. The controller's pose/scan/replan hooks are installed
// here so callers only hand over the parts.
func New(inflated *gridmap.Map, filter *localize.Filter, ctrl *motion.Controller,
	scans lidar.Source, driver motion.MotorDriver, localizeRate float64) *Navigator {

	n := &Navigator{
		planner:        planner.New(inflated),
		ctrl:           ctrl,
		filter:         filter,
		scans:          scans,
		driver:         driver,
		localizePeriod: time.Duration(float64(time.Second) / localizeRate),
		est:            filter.Estimate(),
	}
	ctrl.PoseFn = n.CurrentPose
	ctrl.ScanFn = n.LatestScan
	ctrl.ReplanFn = n.planPath
	return n
}

// OnOdometry accumulates one integrated odometry delta. Deltas are applied to
// the filter in receipt order by the localization loop.
func (n *Navigator) OnOdometry(ds, dtheta float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingDS += ds
	n.pendingDTh += dtheta
}

// Run is the localization loop: motion update from accumulated odometry, then
// a measurement update from the next scan. Updates never run concurrently;
// under CPU pressure ticks are skipped, never reordered.
func (n *Navigator) Run(ctx context.Context) {
	ticker := time.NewTicker(n.localizePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.localizeOnce()
		}
	}
}

func (n *Navigator) localizeOnce() {
	n.mu.Lock()
	ds, dth := n.pendingDS, n.pendingDTh
	n.pendingDS, n.pendingDTh = 0, 0
	n.mu.Unlock()

	n.filter.MotionUpdate(ds, dth)

	scan, err := n.scans.Scan()
	if err != nil {
		monitoring.Debugf("navigate: no scan this cycle: %v", err)
		scan = nil
	}

	err = n.filter.MeasurementUpdate(scan)

	n.mu.Lock()
	n.est = n.filter.Estimate()
	if scan != nil {
		n.latestScan = scan
	}
	if err != nil && n.healthErr == nil {
		n.healthErr = err
	}
	n.mu.Unlock()

	if err != nil {
		monitoring.Logf("navigate: localization unhealthy: %v", err)
	}
}

// CurrentPose returns the latest pose estimate. Always safe to call.
func (n *Navigator) CurrentPose() pose.Pose {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.est
}

// LatestScan returns the most recent scan seen by the localization loop.
func (n *Navigator) LatestScan() lidar.Scan {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latestScan
}

// HealthErr reports a sticky localization failure (localize.ErrDiverged), nil
// while the belief is sound.
func (n *Navigator) HealthErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.healthErr
}

// NavigateTo plans to (x, y) and drives the path. Exactly one call may be in
// flight; a second returns ErrBusy. Stop and context cancellation surface as
// ErrCancelled. Once planning has started, a zero-speed command has been
// issued on every return; the ErrBusy and health-error returns send none.
func (n *Navigator) NavigateTo(ctx context.Context, x, y float64) error {
	n.mu.Lock()
	if n.navActive {
		n.mu.Unlock()
		return ErrBusy
	}
	if err := n.healthErr; err != nil {
		n.mu.Unlock()
		return err
	}
	navCtx, cancel := context.WithCancel(ctx)
	n.navActive = true
	n.navCancel = cancel
	start := n.est
	n.mu.Unlock()

	defer func() {
		cancel()
		n.mu.Lock()
		n.navActive = false
		n.navCancel = nil
		n.mu.Unlock()
	}()

	path, err := n.planPath(start.X, start.Y, x, y)
	if err != nil {
		// The plan failed before any motion, but the exit contract still
		// holds: park the base.
		if stopErr := n.driver.SendStop(); stopErr != nil {
			monitoring.Logf("navigate: stop after failed plan: %v", stopErr)
		}
		return err
	}

	err = n.ctrl.Follow(navCtx, path)
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return err
}

// Stop cancels any in-flight navigation and parks the base. Idempotent and
// always safe.
func (n *Navigator) Stop() {
	n.mu.Lock()
	cancel := n.navCancel
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := n.driver.SendStop(); err != nil {
		monitoring.Logf("navigate: stop command failed: %v", err)
	}
}

// planPath runs the planner and names the goal in any planning error. The
// arrival tolerance is applied by the motion controller.
func (n *Navigator) planPath(fromX, fromY, toX, toY float64) ([]pose.Waypoint, error) {
	path, err := n.planner.Plan(fromX, fromY, toX, toY)
	if err != nil {
		return nil, fmt.Errorf("planning to (%.2f, %.2f): %w", toX, toY, err)
	}
	return path, nil
}
