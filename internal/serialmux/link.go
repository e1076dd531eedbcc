package serialmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaybot-data/relaybot/internal/monitoring"
)

// ErrLinkLost reports that a critical command went unacknowledged through all
// retries. The state machine treats it as fatal.
var ErrLinkLost = errors.New("microcontroller link lost")

const (
	// DefaultAckTimeout bounds the wait for the firmware ACK of one command.
	DefaultAckTimeout = 500 * time.Millisecond
	// DefaultRetryBackoff is the pause between resend attempts.
	DefaultRetryBackoff = 100 * time.Millisecond
	// DefaultMaxAttempts is the total number of sends before the link is
	// declared lost.
	DefaultMaxAttempts = 3
)

// TelemetryHandler consumes parsed unsolicited lines (encoders, IR, button).
// Handlers run on the link's receive goroutine and must not block.
type TelemetryHandler func(Telemetry)

// Link layers the microcontroller command protocol over a SerialMux: at most
// one command in flight, each acknowledged within the ACK timeout, critical
// commands retried with backoff, LED commands droppable under backpressure.
type Link struct {
	mux SerialMuxInterface

	AckTimeout   time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int

	sendMu sync.Mutex
	ackCh  chan struct{}

	handlerMu sync.RWMutex
	handler   TelemetryHandler
}

// NewLink wraps a serial mux with the command/ACK contract.
func NewLink(mux SerialMuxInterface) *Link {
	return &Link{
		mux:          mux,
		AckTimeout:   DefaultAckTimeout,
		RetryBackoff: DefaultRetryBackoff,
		MaxAttempts:  DefaultMaxAttempts,
		ackCh:        make(chan struct{}, 1),
	}
}

// OnTelemetry installs the consumer for unsolicited telemetry lines.
func (l *Link) OnTelemetry(h TelemetryHandler) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handler = h
}

// Run subscribes to the mux and dispatches incoming lines until the context
// ends. ACK lines complete the pending send; everything else is parsed and
// handed to the telemetry handler. Unrecognised lines are logged and dropped.
func (l *Link) Run(ctx context.Context) {
	id, lines := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			t := ParseLine(line)
			switch t.Kind {
			case TelemetryAck:
				select {
				case l.ackCh <- struct{}{}:
				default:
				}
			case TelemetryError:
				monitoring.Logf("serialmux: firmware rejected command: %s", t.Text)
			case TelemetryUnknown:
				monitoring.Logf("serialmux: dropping unrecognised line %q", t.Text)
			default:
				l.handlerMu.RLock()
				h := l.handler
				l.handlerMu.RUnlock()
				if h != nil {
					h(t)
				}
			}
		}
	}
}

// SendMotor sets wheel speeds (0-255) and directions (0/1). Critical: retried,
// surfaces ErrLinkLost on exhaustion.
func (l *Link) SendMotor(leftSpeed, rightSpeed, leftDir, rightDir int) error {
	return l.sendCritical(MotorCommand(leftSpeed, rightSpeed, leftDir, rightDir))
}

// SendStop issues the emergency stop command. Critical.
func (l *Link) SendStop() error {
	return l.sendCritical(StopCommand)
}

// SendServo targets the box servo angle. Critical.
func (l *Link) SendServo(angle int) error {
	return l.sendCritical(ServoCommand(angle))
}

// SendLED requests an eye animation. Non-critical: dropped when a critical
// command holds the channel, and an unacknowledged attempt only logs.
func (l *Link) SendLED(p LEDPattern) error {
	if !l.sendMu.TryLock() {
		monitoring.Debugf("serialmux: dropping LED %s under backpressure", p)
		return nil
	}
	defer l.sendMu.Unlock()

	if err := l.sendOnce(LEDCommand(p)); err != nil {
		monitoring.Logf("serialmux: LED %s unacknowledged: %v", p, err)
	}
	return nil
}

func (l *Link) sendCritical(cmd string) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < l.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(l.RetryBackoff)
		}
		if lastErr = l.sendOnce(cmd); lastErr == nil {
			return nil
		}
		monitoring.Logf("serialmux: %q attempt %d/%d failed: %v", cmd, attempt+1, l.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w: %q unacknowledged after %d attempts: %v", ErrLinkLost, cmd, l.MaxAttempts, lastErr)
}

// sendOnce writes the command and waits for one ACK. Caller holds sendMu.
func (l *Link) sendOnce(cmd string) error {
	// Drop a stale ACK left over from a timed-out predecessor.
	select {
	case <-l.ackCh:
	default:
	}

	if err := l.mux.SendCommand(cmd); err != nil {
		return err
	}

	select {
	case <-l.ackCh:
		return nil
	case <-time.After(l.AckTimeout):
		return fmt.Errorf("ack timeout after %s", l.AckTimeout)
	}
}
