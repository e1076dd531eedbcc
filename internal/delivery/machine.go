// Package delivery drives the whole delivery cycle: a nine-state machine
// ticking at 10 Hz, dispatching the navigator, box, audio, QR verification,
// and LED eyes, with per-state timeouts and a bounded recovery ladder.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/relaybot-data/relaybot/internal/audio"
	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/orders"
	"github.com/relaybot-data/relaybot/internal/pose"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

// State tags one phase of the delivery cycle.
type State string

const (
	StateWaiting               State = "Waiting"
	StateApproaching           State = "Approaching"
	StateVerifying             State = "Verifying"
	StateNavigatingToWarehouse State = "NavigatingToWarehouse"
	StateLoading               State = "Loading"
	StateReturningToCustomer   State = "ReturningToCustomer"
	StateDelivering            State = "Delivering"
	StateResetting             State = "Resetting"
	StateErrorRecovery         State = "ErrorRecovery"
	StateEmergencyStop         State = "EmergencyStop"
)

// ErrEmergencyStopped is returned by Run when the machine froze; the process
// exits non-zero on it.
var ErrEmergencyStopped = errors.New("emergency stop")

// ErrServo tags box actuation failures for classification.
var ErrServo = errors.New("servo fault")

// Context is the mutable delivery record owned by the tick loop.
type Context struct {
	CurrentPose       pose.Pose
	SavedCustomerPose *pose.Pose
	OrderID           *int
	LastError         error
	RecoveryAttempts  int
}

// Nav is the navigator surface the machine drives.
type Nav interface {
	NavigateTo(ctx context.Context, x, y float64) error
	Stop()
	CurrentPose() pose.Pose
	HealthErr() error
}

// BoxCtl is the package compartment.
type BoxCtl interface {
	Open() error
	Close() error
	EmergencyClose() error
	IsOpen() bool
}

// LEDs drives the eye animations.
type LEDs interface {
	SendLED(p serialmux.LEDPattern) error
}

// Motors is the direct motor channel used while shadowing the customer.
type Motors interface {
	SendMotor(leftSpeed, rightSpeed, leftDir, rightDir int) error
}

// PersonFinder yields the latest person detection in the sensor frame.
type PersonFinder interface {
	Detect() (lidar.Detection, bool)
}

// Confirmer reports the operator's loading confirmation. The production
// implementation listens for the BUTTON telemetry line.
type Confirmer interface {
	Confirmed() bool
	Reset()
}

// ScanHandle is a single-shot QR capture in flight.
type ScanHandle interface {
	Result() (orders.ScanResult, bool)
	Cancel()
}

// ScanStarter launches a capture; orders.StartScan curried with its source
// and verifier satisfies it.
type ScanStarter func(ctx context.Context, timeout time.Duration) ScanHandle

// Config carries the machine's tunables.
type Config struct {
	HomeX, HomeY           float64
	WarehouseX, WarehouseY float64

	DeliveryZoneRadius float64
	CustomerApproach   float64
	ApproachSpeed      int

	DetectionDebounce time.Duration
	TickPeriod        time.Duration
	DeliveryHold      time.Duration
	QRScanTimeout     time.Duration

	Timeouts            map[State]time.Duration
	MaxRecoveryAttempts int
	RecoveryRetryDelay  time.Duration
}

// DefaultConfig mirrors the shipped configuration file.
func DefaultConfig() Config {
	return Config{
		WarehouseX: 5, WarehouseY: 3,
		DeliveryZoneRadius: 3.0,
		CustomerApproach:   0.50,
		ApproachSpeed:      120,
		DetectionDebounce:  2 * time.Second,
		TickPeriod:         100 * time.Millisecond,
		DeliveryHold:       10 * time.Second,
		QRScanTimeout:      30 * time.Second,
		Timeouts: map[State]time.Duration{
			StateApproaching:           60 * time.Second,
			StateVerifying:             30 * time.Second,
			StateNavigatingToWarehouse: 120 * time.Second,
			StateLoading:               60 * time.Second,
			StateReturningToCustomer:   120 * time.Second,
			StateDelivering:            15 * time.Second,
			StateResetting:             120 * time.Second,
			StateErrorRecovery:         180 * time.Second,
		},
		MaxRecoveryAttempts: 3,
		RecoveryRetryDelay:  2 * time.Second,
	}
}

// Deps bundles the machine's collaborators.
type Deps struct {
	Nav       Nav
	Box       BoxCtl
	LEDs      LEDs
	Motors    Motors
	Person    PersonFinder
	Audio     audio.Player
	StartScan ScanStarter
	Confirm   Confirmer
	Log       TransitionLog
}

// Machine is the delivery state machine. All mutation happens on the tick
// loop; worker tasks report back through completion channels the loop drains.
type Machine struct {
	cfg Config
	d   Deps

	state        State
	stateEntered time.Time
	dctx         Context
	attemptID    string

	runCtx context.Context

	navDone       chan error
	scan          ScanHandle
	lastDetection time.Time
	deliveryStart time.Time
	retryAt       time.Time
	retryPending  bool
}

// NewMachine assembles a machine in Waiting.
func NewMachine(cfg Config, d Deps) *Machine {
	if d.Log == nil {
		d.Log = NewMemoryLog()
	}
	m := &Machine{
		cfg:    cfg,
		d:      d,
		runCtx: context.Background(),
	}
	m.state = StateWaiting
	m.attemptID = uuid.NewString()
	m.transitionTo(StateWaiting, "startup")
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Ctx returns a snapshot of the delivery context.
func (m *Machine) Ctx() Context { return m.dctx }

// Run ticks the machine until the context ends or the machine freezes in
// EmergencyStop.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	ticker := time.NewTicker(m.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
			if m.state == StateEmergencyStop {
				return ErrEmergencyStopped
			}
		}
	}
}

// Tick runs one update: timeout check, health check, then the per-state
// handler. Any error a handler surfaces is classified centrally.
func (m *Machine) Tick() {
	if m.state == StateEmergencyStop {
		return
	}

	if to := m.cfg.Timeouts[m.state]; to > 0 && time.Since(m.stateEntered) > to {
		m.routeError(timeoutError(m.state))
		return
	}

	m.dctx.CurrentPose = m.d.Nav.CurrentPose()

	if err := m.d.Nav.HealthErr(); err != nil {
		m.routeError(err)
		return
	}

	switch m.state {
	case StateWaiting:
		m.tickWaiting()
	case StateApproaching:
		m.tickApproaching()
	case StateVerifying:
		m.tickVerifying()
	case StateNavigatingToWarehouse:
		m.tickNavOutcome(StateLoading, "arrived at warehouse")
	case StateLoading:
		m.tickLoading()
	case StateReturningToCustomer:
		m.tickNavOutcome(StateDelivering, "arrived at customer")
	case StateDelivering:
		m.tickDelivering()
	case StateResetting:
		m.tickNavOutcome(StateWaiting, "returned home")
	case StateErrorRecovery:
		m.tickErrorRecovery()
	}
}

// transitionTo changes state, logs the structured record, and runs the new
// state's entry actions.
func (m *Machine) transitionTo(next State, reason string) {
	old := m.state
	m.state = next
	m.stateEntered = time.Now()

	monitoring.Logf("delivery: %s -> %s (%s)", old, next, reason)
	m.d.Log.Record(TransitionRecord{
		AttemptID: m.attemptID,
		From:      old,
		To:        next,
		Reason:    reason,
		Timestamp: time.Now(),
	})

	m.enterState(next)
}

func (m *Machine) enterState(s State) {
	switch s {
	case StateWaiting:
		m.led(serialmux.LEDIdle)
		m.dctx.SavedCustomerPose = nil
		m.dctx.OrderID = nil
		m.dctx.LastError = nil
		m.cancelScan()
		m.navDone = nil
		m.attemptID = uuid.NewString()

	case StateApproaching:
		m.led(serialmux.LEDMoving)

	case StateVerifying:
		m.led(serialmux.LEDWaiting)
		m.d.Audio.Play(audio.ClipRequestQR)
		m.scan = m.d.StartScan(m.runCtx, m.cfg.QRScanTimeout)

	case StateNavigatingToWarehouse:
		m.led(serialmux.LEDMoving)
		m.startNav(m.cfg.WarehouseX, m.cfg.WarehouseY)

	case StateLoading:
		m.led(serialmux.LEDWaiting)
		if m.dctx.OrderID != nil {
			m.d.Audio.Play(audio.OrderNumberClip(*m.dctx.OrderID))
		}
		m.d.Confirm.Reset()
		if err := m.actuateBox(m.d.Box.Open); err != nil {
			m.routeError(err)
			return
		}

	case StateReturningToCustomer:
		m.led(serialmux.LEDMoving)
		if m.dctx.SavedCustomerPose == nil {
			m.routeError(fmt.Errorf("no saved customer pose to return to"))
			return
		}
		m.startNav(m.dctx.SavedCustomerPose.X, m.dctx.SavedCustomerPose.Y)

	case StateDelivering:
		m.led(serialmux.LEDWaiting)
		m.d.Audio.Play(audio.ClipGreeting)
		m.deliveryStart = time.Now()
		if err := m.actuateBox(m.d.Box.Open); err != nil {
			m.routeError(err)
			return
		}

	case StateResetting:
		m.led(serialmux.LEDMoving)
		m.dctx.SavedCustomerPose = nil
		m.startNav(m.cfg.HomeX, m.cfg.HomeY)

	case StateErrorRecovery:
		m.d.Nav.Stop()
		m.led(serialmux.LEDError)
		m.d.Audio.Play(audio.ClipError)
		if m.d.Box.IsOpen() {
			if err := m.actuateBox(m.d.Box.Close); err != nil {
				monitoring.Logf("delivery: box close during recovery failed: %v", err)
			}
		}
		m.dctx.SavedCustomerPose = nil
		m.dctx.OrderID = nil
		m.cancelScan()
		monitoring.Logf("delivery: recovering from %v (attempt %d/%d)",
			m.dctx.LastError, m.dctx.RecoveryAttempts, m.cfg.MaxRecoveryAttempts)
		m.retryPending = false
		m.startNav(m.cfg.HomeX, m.cfg.HomeY)

	case StateEmergencyStop:
		m.d.Nav.Stop()
		if m.d.Box.IsOpen() {
			if err := m.d.Box.EmergencyClose(); err != nil {
				monitoring.Logf("delivery: emergency box close failed: %v", err)
			}
		}
		m.led(serialmux.LEDError)
		monitoring.Logf("delivery: EMERGENCY STOP, manual reset required (last error: %v)", m.dctx.LastError)
	}
}

// routeError is the single classification point. A zero-speed command is
// issued before any transition; fatal kinds and an exhausted recovery budget
// freeze the machine.
func (m *Machine) routeError(err error) {
	m.dctx.LastError = err
	kind, fatal := Classify(err)
	monitoring.Logf("delivery: error in %s: [%s] %v", m.state, kind, err)

	m.d.Nav.Stop()

	if fatal {
		m.transitionTo(StateEmergencyStop, fmt.Sprintf("%s: %v", kind, err))
		return
	}

	// The counter tracks failed home-navigation attempts made during
	// recovery, not the fault that started it. A further fault while
	// already recovering consumes an attempt.
	if m.state == StateErrorRecovery {
		m.dctx.RecoveryAttempts++
		if m.dctx.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts {
			m.transitionTo(StateEmergencyStop, fmt.Sprintf("recovery budget exhausted after %s", kind))
		}
		return
	}
	m.transitionTo(StateErrorRecovery, fmt.Sprintf("%s: %v", kind, err))
}

// --- per-state handlers ---

func (m *Machine) tickWaiting() {
	det, ok := m.d.Person.Detect()
	if !ok {
		return
	}
	if time.Since(m.lastDetection) < m.cfg.DetectionDebounce {
		return
	}
	m.lastDetection = time.Now()

	wx, wy := m.sensorToWorld(det)
	if pose.Distance(wx, wy, m.cfg.HomeX, m.cfg.HomeY) > m.cfg.DeliveryZoneRadius {
		monitoring.Debugf("delivery: person at (%.2f, %.2f) outside delivery zone", wx, wy)
		return
	}
	m.transitionTo(StateApproaching, fmt.Sprintf("person detected at (%.2f, %.2f)", wx, wy))
}

func (m *Machine) tickApproaching() {
	det, ok := m.d.Person.Detect()
	if !ok {
		m.d.Nav.Stop()
		m.transitionTo(StateWaiting, "customer lost")
		return
	}

	if det.Distance() < m.cfg.CustomerApproach {
		m.d.Nav.Stop()
		cur := m.dctx.CurrentPose
		m.dctx.SavedCustomerPose = &cur
		m.transitionTo(StateVerifying, fmt.Sprintf("customer within %.2fm", det.Distance()))
		return
	}

	// Shadow the customer: forward drive with a proportional differential on
	// the detection bearing.
	bearing := math.Atan2(det.Y, det.X)
	turn := int(float64(m.cfg.ApproachSpeed) * 0.5 * clamp(bearing/(math.Pi/2), -1, 1))
	left := clampInt(m.cfg.ApproachSpeed-turn, 0, 255)
	right := clampInt(m.cfg.ApproachSpeed+turn, 0, 255)
	if err := m.d.Motors.SendMotor(left, right, 0, 0); err != nil {
		m.routeError(err)
	}
}

func (m *Machine) tickVerifying() {
	if m.scan == nil {
		return
	}
	result, done := m.scan.Result()
	if !done {
		return
	}
	m.scan = nil

	if result.Valid {
		id := result.OrderID
		m.dctx.OrderID = &id
		m.d.Audio.Play(audio.ClipOrderAccepted)
		m.led(serialmux.LEDSuccessScan)
		m.transitionTo(StateNavigatingToWarehouse, fmt.Sprintf("order %d verified", id))
		return
	}

	m.d.Audio.Play(audio.ClipOrderRejected)
	m.led(serialmux.LEDFailureScan)
	m.transitionTo(StateWaiting, fmt.Sprintf("order rejected: %v", result.Err))
}

// tickNavOutcome observes the navigation worker shared by the three pure
// transit states.
func (m *Machine) tickNavOutcome(onSuccess State, reason string) {
	select {
	case err := <-m.navDone:
		m.navDone = nil
		if err != nil {
			m.routeError(err)
			return
		}
		m.transitionTo(onSuccess, reason)
	default:
	}
}

func (m *Machine) tickLoading() {
	if !m.d.Confirm.Confirmed() {
		return
	}
	if err := m.actuateBox(m.d.Box.Close); err != nil {
		m.routeError(err)
		return
	}
	m.transitionTo(StateReturningToCustomer, "loading confirmed")
}

func (m *Machine) tickDelivering() {
	if time.Since(m.deliveryStart) < m.cfg.DeliveryHold {
		return
	}
	if err := m.actuateBox(m.d.Box.Close); err != nil {
		m.routeError(err)
		return
	}
	m.transitionTo(StateResetting, "delivery window elapsed")
}

func (m *Machine) tickErrorRecovery() {
	if m.retryPending {
		if time.Now().Before(m.retryAt) {
			return
		}
		m.retryPending = false
		m.startNav(m.cfg.HomeX, m.cfg.HomeY)
		return
	}

	select {
	case err := <-m.navDone:
		m.navDone = nil
		if err == nil {
			m.dctx.RecoveryAttempts = 0
			m.transitionTo(StateWaiting, "recovered")
			return
		}
		m.dctx.RecoveryAttempts++
		monitoring.Logf("delivery: recovery navigation failed (%d/%d): %v",
			m.dctx.RecoveryAttempts, m.cfg.MaxRecoveryAttempts, err)
		if m.dctx.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts {
			m.dctx.LastError = err
			m.transitionTo(StateEmergencyStop, "recovery attempts exhausted")
			return
		}
		m.retryPending = true
		m.retryAt = time.Now().Add(m.cfg.RecoveryRetryDelay)
	default:
	}
}

// --- helpers ---

// startNav launches the navigation worker; the loop samples its completion.
func (m *Machine) startNav(x, y float64) {
	done := make(chan error, 1)
	m.navDone = done
	ctx := m.runCtx
	go func() {
		done <- m.d.Nav.NavigateTo(ctx, x, y)
	}()
}

// actuateBox runs a box operation, retrying once before surfacing a servo
// fault.
func (m *Machine) actuateBox(op func() error) error {
	if err := op(); err != nil {
		monitoring.Logf("delivery: box actuation failed, retrying once: %v", err)
		if err := op(); err != nil {
			return fmt.Errorf("%w: %v", ErrServo, err)
		}
	}
	return nil
}

func (m *Machine) cancelScan() {
	if m.scan != nil {
		m.scan.Cancel()
		m.scan = nil
	}
}

func (m *Machine) led(p serialmux.LEDPattern) {
	if err := m.d.LEDs.SendLED(p); err != nil {
		monitoring.Logf("delivery: LED command failed: %v", err)
	}
}

// sensorToWorld transforms a sensor-frame detection into world coordinates
// using the current pose estimate.
func (m *Machine) sensorToWorld(det lidar.Detection) (float64, float64) {
	cur := m.dctx.CurrentPose
	sin, cos := math.Sincos(cur.Theta)
	return cur.X + det.X*cos - det.Y*sin, cur.Y + det.X*sin + det.Y*cos
}

// shutdown parks everything on clean exit.
func (m *Machine) shutdown() {
	m.d.Nav.Stop()
	m.cancelScan()
	if m.d.Box.IsOpen() {
		if err := m.d.Box.Close(); err != nil {
			monitoring.Logf("delivery: box close on shutdown failed: %v", err)
		}
	}
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

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
