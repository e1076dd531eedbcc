package delivery

import (
	"bufio"
	"io"
	"sync"

	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

// ScanProvider yields the most recent lidar scan; the navigator implements
// it.
type ScanProvider interface {
	LatestScan() lidar.Scan
}

// LidarPersonFinder runs the cluster detector over the navigator's latest
// scan.
type LidarPersonFinder struct {
	Scans    ScanProvider
	Detector *lidar.Detector
}

func (f *LidarPersonFinder) Detect() (lidar.Detection, bool) {
	scan := f.Scans.LatestScan()
	if len(scan) == 0 {
		return lidar.Detection{}, false
	}
	return f.Detector.Detect(scan)
}

// ButtonConfirmer latches the firmware's BUTTON:1 telemetry as the loading
// confirmation. Wire its OnTelemetry into the link's handler chain.
type ButtonConfirmer struct {
	mu      sync.Mutex
	pressed bool
}

// OnTelemetry consumes telemetry lines, latching button presses.
func (c *ButtonConfirmer) OnTelemetry(t serialmux.Telemetry) {
	if t.Kind == serialmux.TelemetryButton && t.Pressed {
		c.mu.Lock()
		c.pressed = true
		c.mu.Unlock()
	}
}

func (c *ButtonConfirmer) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressed
}

func (c *ButtonConfirmer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pressed = false
}

// ReaderConfirmer confirms on any line from a reader (operator pressing
// Enter on a bench console).
type ReaderConfirmer struct {
	mu      sync.Mutex
	pressed bool
}

// NewReaderConfirmer starts a goroutine consuming lines from r.
func NewReaderConfirmer(r io.Reader) *ReaderConfirmer {
	c := &ReaderConfirmer{}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			c.mu.Lock()
			c.pressed = true
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *ReaderConfirmer) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressed
}

func (c *ReaderConfirmer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pressed = false
}

// ChanConfirmer is a directly-pressable confirmer for tests.
type ChanConfirmer struct {
	mu      sync.Mutex
	pressed bool
}

func (c *ChanConfirmer) Press() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pressed = true
}

func (c *ChanConfirmer) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressed
}

func (c *ChanConfirmer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pressed = false
}
