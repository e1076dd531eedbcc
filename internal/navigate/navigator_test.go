package navigate

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/localize"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/motion"
	"github.com/relaybot-data/relaybot/internal/planner"
	"github.com/relaybot-data/relaybot/internal/pose"
)

func init() {
	monitoring.SetLogger(nil)
}

type stopRecorder struct {
	mu    sync.Mutex
	stops int
	cmds  int
}

func (d *stopRecorder) SendMotor(ls, rs, ld, rd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds++
	return nil
}

func (d *stopRecorder) SendStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *stopRecorder) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

func testRoom(t *testing.T, obstacles ...gridmap.Obstacle) *gridmap.Map {
	t.Helper()
	m, err := gridmap.FromSpec(&gridmap.Spec{
		Resolution: 0.1, Width: 10, Height: 10,
		Obstacles: obstacles,
	})
	require.NoError(t, err)
	return m
}

func newNavigator(t *testing.T, m *gridmap.Map, start pose.Pose) (*Navigator, *stopRecorder, *localize.Filter) {
	t.Helper()

	filter := localize.New(m, start, localize.DefaultParams(), rand.NewPCG(1, 2))
	driver := &stopRecorder{}

	cfg := motion.DefaultConfig()
	cfg.UpdateRate = 200
	ctrl := motion.NewController(cfg, driver)

	scans := lidar.NewSimSource()
	scans.Generate = func() lidar.Scan { return nil }

	nav := New(m.Inflate(0.3), filter, ctrl, scans, driver, 5)
	return nav, driver, filter
}

func TestNavigateToAlreadyAtGoal(t *testing.T) {
	m := testRoom(t)
	nav, driver, _ := newNavigator(t, m, pose.Pose{X: 2, Y: 2})

	require.NoError(t, nav.NavigateTo(context.Background(), 2.02, 2.02))
	assert.Greater(t, driver.stopCount(), 0, "zero-speed command on success exit")
}

func TestSecondNavigateToIsBusy(t *testing.T) {
	m := testRoom(t)
	nav, _, _ := newNavigator(t, m, pose.Pose{X: 1, Y: 1})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- nav.NavigateTo(context.Background(), 8, 8)
	}()
	<-started
	time.Sleep(30 * time.Millisecond)

	err := nav.NavigateTo(context.Background(), 5, 5)
	assert.ErrorIs(t, err, ErrBusy)

	nav.Stop()
	assert.ErrorIs(t, <-done, ErrCancelled)
}

func TestStopIsIdempotent(t *testing.T) {
	m := testRoom(t)
	nav, driver, _ := newNavigator(t, m, pose.Pose{X: 1, Y: 1})

	nav.Stop()
	nav.Stop()
	assert.Equal(t, 2, driver.stopCount())
}

func TestNavigateToUnreachableGoal(t *testing.T) {
	m := testRoom(t, gridmap.Obstacle{Type: "rect", X: 4, Y: 4, W: 2, H: 2})
	nav, driver, _ := newNavigator(t, m, pose.Pose{X: 1, Y: 1})

	err := nav.NavigateTo(context.Background(), 5, 5)
	assert.ErrorIs(t, err, planner.ErrPathNotFound)
	assert.Greater(t, driver.stopCount(), 0, "zero-speed command even when planning fails")
}

func TestLocalizationFailureBlocksNavigation(t *testing.T) {
	m := testRoom(t)

	filter := localize.New(m, pose.Pose{X: 5, Y: 5}, localize.Params{
		N: 20, MotionNoiseTrans: 0.02, MotionNoiseRot: 0.05,
		MeasurementNoise: 0.2, RaysPerUpdate: 8, MaxRange: 10,
		ResampleThreshold: 0.5, OutlierFloor: 1e-3,
		DivergenceStdDev: 1e-9, DivergenceUpdates: 1, RelocalizeRetries: 0,
	}, rand.NewPCG(3, 4))

	driver := &stopRecorder{}
	cfg := motion.DefaultConfig()
	ctrl := motion.NewController(cfg, driver)

	scans := lidar.NewSimSource()
	scans.Generate = func() lidar.Scan {
		return lidar.SynthesizeScan(m, pose.Pose{X: 5, Y: 5}, 36, 10)
	}

	nav := New(m.Inflate(0.3), filter, ctrl, scans, driver, 5)

	for i := 0; i < 5; i++ {
		nav.localizeOnce()
	}
	require.ErrorIs(t, nav.HealthErr(), localize.ErrDiverged)

	err := nav.NavigateTo(context.Background(), 8, 8)
	assert.ErrorIs(t, err, localize.ErrDiverged)
}

func TestOdometryFlowsIntoEstimate(t *testing.T) {
	m := testRoom(t, gridmap.Obstacle{Type: "rect", X: 9.8, Y: 0, W: 0.2, H: 10})
	nav, _, _ := newNavigator(t, m, pose.Pose{X: 5, Y: 5})

	before := nav.CurrentPose()
	for i := 0; i < 10; i++ {
		nav.OnOdometry(0.05, 0)
		nav.localizeOnce()
	}
	after := nav.CurrentPose()

	assert.Greater(t, after.X, before.X+0.2, "estimate should track forward odometry")
}

func TestCancelledContextSurfacesAsCancelled(t *testing.T) {
	m := testRoom(t)
	nav, _, _ := newNavigator(t, m, pose.Pose{X: 1, Y: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nav.NavigateTo(ctx, 8, 8) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
}
