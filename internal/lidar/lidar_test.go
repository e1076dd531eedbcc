package lidar

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/pose"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

// buildPacket assembles a valid sensor frame with the given samples.
func buildPacket(startDeg, endDeg float64, distancesMM []uint16, intensity uint8) []byte {
	packet := make([]byte, PacketSize)
	packet[0] = PacketHeader
	binary.LittleEndian.PutUint16(packet[2:4], uint16(startDeg*100))
	binary.LittleEndian.PutUint16(packet[40:42], uint16(endDeg*100))
	for i := 0; i < PointsPerPacket; i++ {
		off := 4 + i*3
		var d uint16
		if i < len(distancesMM) {
			d = distancesMM[i]
		}
		binary.LittleEndian.PutUint16(packet[off:off+2], d)
		packet[off+2] = intensity
	}
	return packet
}

func TestParsePacket(t *testing.T) {
	distances := make([]uint16, PointsPerPacket)
	for i := range distances {
		distances[i] = 1500 // 1.5 m
	}
	pts, err := ParsePacket(buildPacket(0, 11, distances, 100))
	require.NoError(t, err)
	require.Len(t, pts, PointsPerPacket)

	assert.InDelta(t, 1.5, pts[0].Distance, 1e-9)
	assert.InDelta(t, 0, pts[0].Angle, 1e-9)
	// Last sample sits at the end angle.
	assert.InDelta(t, 11*math.Pi/180, pts[PointsPerPacket-1].Angle, 1e-9)
}

func TestParsePacketFiltersNoise(t *testing.T) {
	distances := []uint16{10 /* 1 cm: below min range */, 1500, 60000 /* 60 m */}
	pts, err := ParsePacket(buildPacket(0, 11, distances, 100))
	require.NoError(t, err)
	// Only the 1.5 m return survives; padding zeros are dropped too.
	assert.Len(t, pts, 1)

	// Low intensity kills everything.
	pts, err = ParsePacket(buildPacket(0, 11, []uint16{1500}, 5))
	require.NoError(t, err)
	assert.Empty(t, pts)
}

func TestParsePacketRejectsBadFrames(t *testing.T) {
	_, err := ParsePacket(make([]byte, 10))
	assert.Error(t, err)

	bad := buildPacket(0, 11, nil, 100)
	bad[0] = 0x55
	_, err = ParsePacket(bad)
	assert.Error(t, err)
}

func TestParsePacketAngleWrap(t *testing.T) {
	distances := make([]uint16, PointsPerPacket)
	for i := range distances {
		distances[i] = 1000
	}
	pts, err := ParsePacket(buildPacket(355, 6, distances, 100))
	require.NoError(t, err)
	require.Len(t, pts, PointsPerPacket)
	for _, p := range pts {
		assert.GreaterOrEqual(t, p.Angle, 0.0)
		assert.Less(t, p.Angle, 2*math.Pi)
	}
}

func TestSerialSourceAssemblesRevolution(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.AutoAck = false

	distances := make([]uint16, PointsPerPacket)
	for i := range distances {
		distances[i] = 2000
	}
	for p := 0; p < packetsPerRevolution; p++ {
		start := math.Mod(float64(p)*12, 360)
		port.PushBytes(buildPacket(start, start+11, distances, 100))
	}

	src := NewSerialSource(port)
	scan, err := src.Scan()
	require.NoError(t, err)
	assert.NotEmpty(t, scan)

	// Angle-sorted.
	for i := 1; i < len(scan); i++ {
		assert.LessOrEqual(t, scan[i-1].Angle, scan[i].Angle)
	}
}

func TestDetectorFindsPerson(t *testing.T) {
	d := NewDetector(DefaultDetectorParams())

	det, ok := d.Detect(PersonScan(1.0, 0.2))
	require.True(t, ok)
	assert.InDelta(t, 1.0, det.X, 0.15)
	assert.InDelta(t, 0.2, det.Y, 0.15)
	assert.GreaterOrEqual(t, det.Points, 3)
}

func TestDetectorIgnoresEmptyAndFarScans(t *testing.T) {
	d := NewDetector(DefaultDetectorParams())

	_, ok := d.Detect(nil)
	assert.False(t, ok)

	// A wall 5 m out is beyond the person band.
	var wall Scan
	for i := 0; i < 50; i++ {
		wall = append(wall, pose.ScanPoint{Distance: 5, Angle: float64(i) * 0.01, Intensity: 200})
	}
	_, ok = d.Detect(wall)
	assert.False(t, ok)
}

func TestDetectorRejectsWallSizedClusters(t *testing.T) {
	d := NewDetector(DefaultDetectorParams())

	// A dense arc 1.5 m out spanning ~90 degrees is far wider than a person.
	var wall Scan
	for i := 0; i < 90; i++ {
		wall = append(wall, pose.ScanPoint{Distance: 1.5, Angle: float64(i) * math.Pi / 180, Intensity: 200})
	}
	_, ok := d.Detect(wall)
	assert.False(t, ok)
}

func TestSynthesizeScanSeesWalls(t *testing.T) {
	m, err := gridmap.FromSpec(&gridmap.Spec{
		Resolution: 0.1, Width: 10, Height: 10,
		Obstacles: []gridmap.Obstacle{{Type: "rect", X: 9, Y: 0, W: 1, H: 10}},
	})
	require.NoError(t, err)

	scan := SynthesizeScan(m, pose.Pose{X: 5, Y: 5}, 36, 12)
	require.NotEmpty(t, scan)
	// The ray straight toward the wall reads ~4 m.
	var best pose.ScanPoint
	for _, p := range scan {
		if p.Angle < 0.1 {
			best = p
		}
	}
	assert.InDelta(t, 4.0, best.Distance, 0.2)
}

func TestSimSourceQueueAndGenerate(t *testing.T) {
	src := NewSimSource()
	src.Push(PersonScan(1, 0))

	scan, err := src.Scan()
	require.NoError(t, err)
	assert.NotEmpty(t, scan)

	_, err = src.Scan()
	assert.Error(t, err)

	src.Generate = func() Scan { return PersonScan(2, 0) }
	scan, err = src.Scan()
	require.NoError(t, err)
	assert.NotEmpty(t, scan)

	require.NoError(t, src.Close())
	_, err = src.Scan()
	assert.Error(t, err)
}
