package lidar

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/pose"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

// Scan is one revolution of angle-sorted range returns.
type Scan []pose.ScanPoint

// Source yields scans. Implementations: SerialSource (hardware) and
// SimSource (tests).
type Source interface {
	// Scan returns the latest complete revolution.
	Scan() (Scan, error)
	Close() error
}

// packetsPerRevolution is how many frames cover a full turn; the collection
// loop also stops on its deadline so a stuttering sensor degrades rather
// than blocks.
const packetsPerRevolution = 30

// SerialSource assembles scans from the lidar's own serial byte stream. The
// port is owned exclusively; Scan calls are not concurrency-safe.
type SerialSource struct {
	port   serialmux.SerialPorter
	reader *bufio.Reader

	// CollectTimeout bounds one revolution's assembly.
	CollectTimeout time.Duration
}

// NewSerialSource wraps an open lidar port.
func NewSerialSource(port serialmux.SerialPorter) *SerialSource {
	return &SerialSource{
		port:           port,
		reader:         bufio.NewReaderSize(port, 4096),
		CollectTimeout: time.Second,
	}
}

// Scan collects packets until a revolution's worth arrived or the deadline
// passed. Frames that fail to parse are logged and skipped.
func (s *SerialSource) Scan() (Scan, error) {
	var points Scan
	deadline := time.Now().Add(s.CollectTimeout)

	for collected := 0; collected < packetsPerRevolution; {
		if time.Now().After(deadline) {
			break
		}
		packet, err := s.readFrame()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("lidar read failed: %w", err)
		}
		if packet == nil {
			continue // resync
		}
		pts, err := ParsePacket(packet)
		if err != nil {
			monitoring.Debugf("lidar: skipping bad frame: %v", err)
			continue
		}
		points = append(points, pts...)
		collected++
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("lidar produced no valid points within %s", s.CollectTimeout)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Angle < points[j].Angle })
	return points, nil
}

// readFrame scans forward to the next header byte and reads one frame.
// Returns nil when the candidate was misaligned (caller retries).
func (s *SerialSource) readFrame() ([]byte, error) {
	b, err := s.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != PacketHeader {
		return nil, nil
	}

	packet := make([]byte, PacketSize)
	packet[0] = b
	if _, err := io.ReadFull(s.reader, packet[1:]); err != nil {
		return nil, err
	}
	return packet, nil
}

func (s *SerialSource) Close() error {
	return s.port.Close()
}
