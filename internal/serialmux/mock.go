package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing: scripted reads, captured writes, injectable errors, and an
// optional firmware emulation that acknowledges commands.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// AutoAck makes the port behave like healthy firmware: every complete
	// command line written produces an ACK line on the read side.
	AutoAck bool

	// DropAcks suppresses the next N auto-ACKs, simulating a dying link.
	DropAcks int

	// WriteError is returned by the next Write call if set.
	WriteError error

	Closed     bool
	ReadCalls  int
	WriteCalls int

	readCond *sync.Cond
}

// NewTestableSerialPort creates a port with firmware-style auto-ACK enabled.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{AutoAck: true}
	t.readCond = sync.NewCond(&t.mu)
	return t
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	for !t.Closed && t.readBuf.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed && t.readBuf.Len() == 0 {
		return 0, errors.New("serial port closed")
	}
	return t.readBuf.Read(p)
}

// Write captures outgoing data and, when AutoAck is on, answers each complete
// line with an ACK unless DropAcks eats it.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	n, _ := t.writeBuf.Write(p)

	if t.AutoAck && bytes.Contains(p, []byte("\n")) {
		if t.DropAcks > 0 {
			t.DropAcks--
		} else {
			t.readBuf.WriteString("ACK\n")
			t.readCond.Broadcast()
		}
	}
	return n, nil
}

// Close marks the port closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(time.Duration) error { return nil }

// PushLine queues one incoming telemetry line (without trailing newline).
func (t *TestableSerialPort) PushLine(line string) {
	t.PushBytes([]byte(line + "\n"))
}

// PushBytes queues raw incoming bytes, for binary protocols.
func (t *TestableSerialPort) PushBytes(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(b)
	t.readCond.Broadcast()
}

// WrittenLines returns every complete line written to the port so far.
func (t *TestableSerialPort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw := strings.TrimSuffix(t.writeBuf.String(), "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// LastLine returns the most recent complete written line, or "".
func (t *TestableSerialPort) LastLine() string {
	lines := t.WrittenLines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// Reset clears buffers and counters but keeps the AutoAck setting.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Reset()
	t.writeBuf.Reset()
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.Closed = false
	t.WriteError = nil
	t.DropAcks = 0
}
