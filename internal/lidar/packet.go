// Package lidar produces 360-degree range scans from the spinning laser unit
// and derives the person-cluster detections the delivery flow keys off.
package lidar

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relaybot-data/relaybot/internal/pose"
)

const (
	// PacketHeader is the frame sync byte emitted by the sensor.
	PacketHeader = 0x54
	// PacketSize is the total frame length including the header byte.
	PacketSize = 47
	// PointsPerPacket is the number of range samples per frame.
	PointsPerPacket = 12

	// MinRange and MaxRange bound plausible returns; everything outside is
	// sensor noise and dropped during parsing.
	MinRange = 0.05
	MaxRange = 10.0

	// minIntensity drops weak returns that are almost always multipath.
	minIntensity = 20
)

// ParsePacket decodes one sensor frame into scan points.
//
// Frame layout (little-endian):
//
//	byte 0      header (0x54)
//	byte 1      version/length
//	bytes 2-3   start angle, centidegrees
//	bytes 4-39  12 samples of distance_mm:u16 + intensity:u8
//	bytes 40-41 end angle, centidegrees
//	bytes 42-43 timestamp
//	byte 44     checksum
//	bytes 45-46 not read by the parser
//
// Angles for interior samples are interpolated between the start and end
// angles, handling the wrap past 360.
func ParsePacket(packet []byte) ([]pose.ScanPoint, error) {
	if len(packet) != PacketSize {
		return nil, fmt.Errorf("lidar packet length %d, want %d", len(packet), PacketSize)
	}
	if packet[0] != PacketHeader {
		return nil, fmt.Errorf("lidar packet header 0x%02x, want 0x%02x", packet[0], PacketHeader)
	}

	startDeg := float64(binary.LittleEndian.Uint16(packet[2:4])) / 100.0
	endDeg := float64(binary.LittleEndian.Uint16(packet[40:42])) / 100.0

	span := endDeg - startDeg
	if span < 0 {
		span += 360
	}
	step := 0.0
	if PointsPerPacket > 1 {
		step = span / float64(PointsPerPacket-1)
	}

	points := make([]pose.ScanPoint, 0, PointsPerPacket)
	for i := 0; i < PointsPerPacket; i++ {
		off := 4 + i*3
		distance := float64(binary.LittleEndian.Uint16(packet[off:off+2])) / 1000.0
		intensity := packet[off+2]

		if distance < MinRange || distance > MaxRange || intensity < minIntensity {
			continue
		}

		deg := math.Mod(startDeg+float64(i)*step, 360)
		points = append(points, pose.ScanPoint{
			Distance:  distance,
			Angle:     deg * math.Pi / 180,
			Intensity: intensity,
		})
	}
	return points, nil
}
