package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot-data/relaybot/internal/audio"
	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/localize"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/motion"
	"github.com/relaybot-data/relaybot/internal/orders"
	"github.com/relaybot-data/relaybot/internal/planner"
	"github.com/relaybot-data/relaybot/internal/pose"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

func init() {
	monitoring.SetLogger(nil)
}

// --- fakes ---

type fakeNav struct {
	mu       sync.Mutex
	cur      pose.Pose
	stops    int
	health   error
	navTo    func(x, y float64) error
	navCalls [][2]float64
}

func (n *fakeNav) NavigateTo(ctx context.Context, x, y float64) error {
	n.mu.Lock()
	fn := n.navTo
	n.navCalls = append(n.navCalls, [2]float64{x, y})
	n.mu.Unlock()
	if fn != nil {
		return fn(x, y)
	}
	return nil
}

func (n *fakeNav) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stops++
}

func (n *fakeNav) CurrentPose() pose.Pose {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cur
}

func (n *fakeNav) HealthErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.health
}

func (n *fakeNav) stopCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stops
}

func (n *fakeNav) navCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.navCalls)
}

type fakeBox struct {
	mu     sync.Mutex
	open   bool
	openErrs int
}

func (b *fakeBox) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErrs > 0 {
		b.openErrs--
		return errors.New("servo nack")
	}
	b.open = true
	return nil
}

func (b *fakeBox) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	return nil
}

func (b *fakeBox) EmergencyClose() error { return b.Close() }

func (b *fakeBox) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

type fakeLEDs struct {
	mu       sync.Mutex
	patterns []serialmux.LEDPattern
}

func (l *fakeLEDs) SendLED(p serialmux.LEDPattern) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns = append(l.patterns, p)
	return nil
}

func (l *fakeLEDs) last() serialmux.LEDPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.patterns) == 0 {
		return ""
	}
	return l.patterns[len(l.patterns)-1]
}

func (l *fakeLEDs) contains(p serialmux.LEDPattern) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.patterns {
		if got == p {
			return true
		}
	}
	return false
}

type fakeMotors struct {
	mu   sync.Mutex
	err  error
	sent int
}

func (m *fakeMotors) SendMotor(ls, rs, ld, rd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent++
	return nil
}

type fakePerson struct {
	mu  sync.Mutex
	det *lidar.Detection
}

func (p *fakePerson) set(d *lidar.Detection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.det = d
}

func (p *fakePerson) Detect() (lidar.Detection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.det == nil {
		return lidar.Detection{}, false
	}
	return *p.det, true
}

type fakeScan struct {
	mu     sync.Mutex
	result *orders.ScanResult
}

func (s *fakeScan) finish(r orders.ScanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = &r
}

func (s *fakeScan) Result() (orders.ScanResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return orders.ScanResult{}, false
	}
	return *s.result, true
}

func (s *fakeScan) Cancel() {}

// --- harness ---

type harness struct {
	m       *Machine
	nav     *fakeNav
	box     *fakeBox
	leds    *fakeLEDs
	motors  *fakeMotors
	person  *fakePerson
	audio   *audio.Recorder
	scan    *fakeScan
	confirm *ChanConfirmer
	log     *MemoryLog
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DetectionDebounce = 0
	cfg.DeliveryHold = 80 * time.Millisecond
	cfg.RecoveryRetryDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		nav:     &fakeNav{},
		box:     &fakeBox{},
		leds:    &fakeLEDs{},
		motors:  &fakeMotors{},
		person:  &fakePerson{},
		audio:   audio.NewRecorder(),
		scan:    &fakeScan{},
		confirm: &ChanConfirmer{},
		log:     NewMemoryLog(),
	}
	h.m = NewMachine(cfg, Deps{
		Nav:     h.nav,
		Box:     h.box,
		LEDs:    h.leds,
		Motors:  h.motors,
		Person:  h.person,
		Audio:   h.audio,
		Confirm: h.confirm,
		Log:     h.log,
		StartScan: func(ctx context.Context, timeout time.Duration) ScanHandle {
			return h.scan
		},
	})
	return h
}

// tickUntil ticks the machine until it reaches the wanted state.
func (h *harness) tickUntil(t *testing.T, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		h.m.Tick()
		if h.m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("machine stuck in %s, wanted %s (transitions: %v)", h.m.State(), want, h.log.States())
}

// --- scenarios (spec seed suite) ---

func TestScenarioHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	// A person appears 1.58 m out in the delivery zone.
	h.person.set(&lidar.Detection{X: 1.5, Y: 0.5, Points: 6})
	h.tickUntil(t, StateApproaching, time.Second)

	// The robot closes in; the detector now reads 0.4 m.
	h.nav.mu.Lock()
	h.nav.cur = pose.Pose{X: 1.1, Y: 0.3}
	h.nav.mu.Unlock()
	h.person.set(&lidar.Detection{X: 0.4, Y: 0, Points: 6})
	h.tickUntil(t, StateVerifying, time.Second)

	require.NotNil(t, h.m.Ctx().SavedCustomerPose, "customer pose saved at verification start")

	// A valid order 42 scans.
	h.scan.finish(orders.ScanResult{Valid: true, OrderID: 42})
	h.tickUntil(t, StateNavigatingToWarehouse, time.Second)
	h.tickUntil(t, StateLoading, time.Second)

	assert.True(t, h.box.IsOpen(), "box open for loading")

	h.confirm.Press()
	h.tickUntil(t, StateReturningToCustomer, time.Second)
	h.tickUntil(t, StateDelivering, time.Second)
	assert.True(t, h.box.IsOpen(), "box open for delivery")

	h.tickUntil(t, StateResetting, time.Second)
	assert.False(t, h.box.IsOpen(), "box closed after delivery")
	assert.Nil(t, h.m.Ctx().SavedCustomerPose, "customer pose cleared on entry to Resetting")
	h.tickUntil(t, StateWaiting, time.Second)

	// Full state sequence.
	assert.Equal(t, []State{
		StateWaiting, StateApproaching, StateVerifying, StateNavigatingToWarehouse,
		StateLoading, StateReturningToCustomer, StateDelivering, StateResetting, StateWaiting,
	}, h.log.States())

	// Audio trace.
	for _, clip := range []string{
		audio.ClipRequestQR, audio.ClipOrderAccepted, "order_number_42", audio.ClipGreeting,
	} {
		assert.True(t, h.audio.Contains(clip), "missing audio clip %q in %v", clip, h.audio.Trace())
	}

	// Context cleared back in Waiting.
	assert.Nil(t, h.m.Ctx().SavedCustomerPose)
	assert.Nil(t, h.m.Ctx().OrderID)

	// The return leg went to the saved customer pose.
	h.nav.mu.Lock()
	defer h.nav.mu.Unlock()
	require.NotEmpty(t, h.nav.navCalls)
	assert.Equal(t, [2]float64{5, 3}, h.nav.navCalls[0], "first leg is the warehouse")
	assert.Equal(t, [2]float64{1.1, 0.3}, h.nav.navCalls[1], "second leg is the saved customer pose")
}

func TestScenarioRejectedOrder(t *testing.T) {
	h := newHarness(t, nil)

	h.person.set(&lidar.Detection{X: 1.0, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)
	h.person.set(&lidar.Detection{X: 0.3, Y: 0, Points: 5})
	h.tickUntil(t, StateVerifying, time.Second)

	h.person.set(nil)
	h.scan.finish(orders.ScanResult{Valid: false, Err: orders.ErrOrderInvalid})
	h.tickUntil(t, StateWaiting, time.Second)

	assert.Equal(t, []State{
		StateWaiting, StateApproaching, StateVerifying, StateWaiting,
	}, h.log.States())
	assert.True(t, h.audio.Contains(audio.ClipOrderRejected))
	assert.True(t, h.leds.contains(serialmux.LEDFailureScan))
	assert.False(t, h.box.IsOpen())
}

func TestScenarioCustomerWalksAway(t *testing.T) {
	h := newHarness(t, nil)

	h.person.set(&lidar.Detection{X: 1.5, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)

	stopsBefore := h.nav.stopCount()
	h.person.set(nil)
	h.tickUntil(t, StateWaiting, time.Second)

	assert.Equal(t, []State{StateWaiting, StateApproaching, StateWaiting}, h.log.States())
	assert.Greater(t, h.nav.stopCount(), stopsBefore, "zero-speed issued on exit from Approaching")
}

func TestScenarioBlockedWarehouse(t *testing.T) {
	h := newHarness(t, nil)
	h.nav.navTo = func(x, y float64) error {
		if x == 5 && y == 3 {
			return fmt.Errorf("planning to warehouse: %w", planner.ErrPathNotFound)
		}
		return nil // recovery navigation home succeeds
	}

	h.person.set(&lidar.Detection{X: 1.0, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)
	h.person.set(&lidar.Detection{X: 0.3, Y: 0, Points: 5})
	h.tickUntil(t, StateVerifying, time.Second)
	h.person.set(nil)

	h.scan.finish(orders.ScanResult{Valid: true, OrderID: 42})
	h.tickUntil(t, StateNavigatingToWarehouse, time.Second)
	h.tickUntil(t, StateErrorRecovery, time.Second)
	h.tickUntil(t, StateWaiting, 2*time.Second)

	assert.False(t, h.box.IsOpen(), "box stays closed")
	assert.True(t, h.leds.contains(serialmux.LEDError))
	assert.True(t, h.audio.Contains(audio.ClipError))
}

func TestScenarioSerialLinkDiesMidApproach(t *testing.T) {
	h := newHarness(t, nil)
	h.person.set(&lidar.Detection{X: 1.5, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)

	h.motors.mu.Lock()
	h.motors.err = fmt.Errorf("%w: MOTOR unacknowledged after 3 attempts", serialmux.ErrLinkLost)
	h.motors.mu.Unlock()

	h.tickUntil(t, StateEmergencyStop, time.Second)
	assert.Equal(t, serialmux.LEDError, h.leds.last())

	// Frozen: further ticks change nothing.
	h.m.Tick()
	assert.Equal(t, StateEmergencyStop, h.m.State())
}

func TestScenarioDeliveryTimer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeliveryHold = 150 * time.Millisecond })

	h.person.set(&lidar.Detection{X: 1.0, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)
	h.person.set(&lidar.Detection{X: 0.3, Y: 0, Points: 5})
	h.tickUntil(t, StateVerifying, time.Second)
	h.person.set(nil)
	h.scan.finish(orders.ScanResult{Valid: true, OrderID: 7})
	h.tickUntil(t, StateNavigatingToWarehouse, time.Second)
	h.tickUntil(t, StateLoading, time.Second)
	h.confirm.Press()
	h.tickUntil(t, StateDelivering, time.Second)

	openedAt := time.Now()
	require.True(t, h.box.IsOpen(), "box opens on entry to Delivering")

	h.tickUntil(t, StateResetting, time.Second)
	elapsed := time.Since(openedAt)

	assert.False(t, h.box.IsOpen(), "box closed when the window elapses")
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

// --- properties ---

func TestErrorRoutesToRecoveryWithZeroSpeed(t *testing.T) {
	h := newHarness(t, nil)

	stopsBefore := h.nav.stopCount()
	h.m.routeError(fmt.Errorf("wrapped: %w", planner.ErrPathNotFound))

	assert.Equal(t, StateErrorRecovery, h.m.State())
	assert.Greater(t, h.nav.stopCount(), stopsBefore, "zero-speed before entering ErrorRecovery")
}

func TestStateTimeoutRoutesToErrorRecovery(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Timeouts[StateApproaching] = 20 * time.Millisecond
	})

	h.person.set(&lidar.Detection{X: 1.5, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)

	time.Sleep(30 * time.Millisecond)
	h.tickUntil(t, StateErrorRecovery, time.Second)

	kind, fatal := Classify(h.m.Ctx().LastError)
	assert.Equal(t, FailStateTimeout, kind)
	assert.False(t, fatal)
}

func TestRecoveryExhaustionFreezesMachine(t *testing.T) {
	h := newHarness(t, nil)
	h.nav.navTo = func(x, y float64) error {
		return fmt.Errorf("stalled: %w", motion.ErrGoalUnreachable)
	}

	h.m.routeError(fmt.Errorf("boom: %w", planner.ErrPathNotFound))
	require.Equal(t, StateErrorRecovery, h.m.State())
	assert.Equal(t, 0, h.m.Ctx().RecoveryAttempts, "the triggering fault is not a recovery attempt")

	h.tickUntil(t, StateEmergencyStop, 3*time.Second)
	assert.Equal(t, serialmux.LEDError, h.leds.last())

	// The full budget of home navigations is spent before freezing: the
	// entry attempt plus two timed retries.
	assert.Equal(t, 3, h.nav.navCount(), "exactly three failed recovery navigations before EmergencyStop")
	assert.Equal(t, 3, h.m.Ctx().RecoveryAttempts)
}

func TestLocalizationFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.nav.mu.Lock()
	h.nav.health = localize.ErrDiverged
	h.nav.mu.Unlock()

	h.tickUntil(t, StateEmergencyStop, time.Second)
}

func TestTransitionsLoggedWithMonotonicTimestamps(t *testing.T) {
	h := newHarness(t, nil)
	h.person.set(&lidar.Detection{X: 1.0, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)
	h.person.set(nil)
	h.tickUntil(t, StateWaiting, time.Second)

	recs := h.log.Records()
	require.GreaterOrEqual(t, len(recs), 3)
	for i, r := range recs {
		assert.NotEmpty(t, r.From)
		assert.NotEmpty(t, r.To)
		assert.NotEmpty(t, r.Reason)
		if i > 0 {
			assert.False(t, r.Timestamp.Before(recs[i-1].Timestamp), "timestamps must be monotonic")
		}
	}
}

func TestWaitingIgnoresPersonOutsideZone(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeliveryZoneRadius = 1.0 })

	h.person.set(&lidar.Detection{X: 2.5, Y: 0, Points: 5})
	for i := 0; i < 10; i++ {
		h.m.Tick()
	}
	assert.Equal(t, StateWaiting, h.m.State())
}

func TestServoFaultRetriesOnceThenRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.box.mu.Lock()
	h.box.openErrs = 1 // first attempt fails, retry succeeds
	h.box.mu.Unlock()

	h.person.set(&lidar.Detection{X: 1.0, Y: 0, Points: 5})
	h.tickUntil(t, StateApproaching, time.Second)
	h.person.set(&lidar.Detection{X: 0.3, Y: 0, Points: 5})
	h.tickUntil(t, StateVerifying, time.Second)
	h.person.set(nil)
	h.scan.finish(orders.ScanResult{Valid: true, OrderID: 3})
	h.tickUntil(t, StateLoading, 2*time.Second)

	assert.True(t, h.box.IsOpen(), "single-retry servo fault is absorbed")
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		err   error
		kind  FailureKind
		fatal bool
	}{
		{serialmux.ErrLinkLost, FailLinkLost, true},
		{localize.ErrDiverged, FailLocalization, true},
		{planner.ErrPathNotFound, FailPathNotFound, false},
		{orders.ErrOrderInvalid, FailOrderInvalid, false},
		{orders.ErrBadPayload, FailOrderInvalid, false},
		{timeoutError(StateLoading), FailStateTimeout, false},
		{fmt.Errorf("%w: nack", ErrServo), FailServo, false},
		{errors.New("mystery"), FailUnknown, false},
	}
	for _, tc := range cases {
		kind, fatal := Classify(tc.err)
		assert.Equal(t, tc.kind, kind, "%v", tc.err)
		assert.Equal(t, tc.fatal, fatal, "%v", tc.err)
	}
}
