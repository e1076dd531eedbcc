// Package config loads the flat robot configuration from YAML and validates
// it. Fields omitted from the file keep their defaults, so partial configs
// are safe.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileSize bounds the config file read (guard against reading a device
// node or a runaway file by mistake).
const maxFileSize = 1 * 1024 * 1024

// XY is a world-frame point used for zone coordinates.
type XY struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// PIDGains holds one PID loop's gains.
type PIDGains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// StateTimeouts carries the per-state deadlines in seconds. Zero means no
// deadline (only Waiting uses that).
type StateTimeouts struct {
	Waiting               float64 `yaml:"waiting"`
	Approaching           float64 `yaml:"approaching"`
	Verifying             float64 `yaml:"verifying"`
	NavigatingToWarehouse float64 `yaml:"navigating_to_warehouse"`
	Loading               float64 `yaml:"loading"`
	ReturningToCustomer   float64 `yaml:"returning_to_customer"`
	Delivering            float64 `yaml:"delivering"`
	Resetting             float64 `yaml:"resetting"`
	ErrorRecovery         float64 `yaml:"error_recovery"`
}

// Config is the whole configuration surface of the control core.
type Config struct {
	// Zones
	Home               XY      `yaml:"home"`
	Warehouse          XY      `yaml:"warehouse"`
	DeliveryZoneRadius float64 `yaml:"delivery_zone_radius_m"`

	// Tolerances
	PositionTolerance  float64 `yaml:"position_tolerance_m"`
	CustomerApproach   float64 `yaml:"customer_approach_m"`
	ObstacleClearance  float64 `yaml:"obstacle_clearance_m"`
	IREmergencyStop    float64 `yaml:"ir_emergency_stop_m"`
	ObstacleReplanDist float64 `yaml:"obstacle_replan_m"`

	// Wheel geometry
	WheelBase     float64 `yaml:"wheel_base_m"`
	WheelRadius   float64 `yaml:"wheel_radius_m"`
	TicksPerRev   int     `yaml:"encoder_ticks_per_rev"`
	MaxTickDelta  int     `yaml:"max_tick_delta"`
	MaxMotorSpeed int     `yaml:"max_motor_speed"`
	MinMotorSpeed int     `yaml:"min_motor_speed"`

	// PID
	LinearPID  PIDGains `yaml:"linear_pid"`
	AngularPID PIDGains `yaml:"angular_pid"`

	// Localizer
	ParticleCount     int     `yaml:"particle_count"`
	MotionNoiseTrans  float64 `yaml:"motion_noise_translation"`
	MotionNoiseRot    float64 `yaml:"motion_noise_rotation"`
	MeasurementNoise  float64 `yaml:"measurement_noise"`
	DivergenceStdDev  float64 `yaml:"divergence_stddev_m"`
	DivergenceWindow  float64 `yaml:"divergence_window_s"`
	RelocalizeRetries int     `yaml:"relocalize_retries"`

	// Rates
	TickRate       float64 `yaml:"tick_rate_hz"`
	LocalizeRate   float64 `yaml:"localize_rate_hz"`
	NavigationRate float64 `yaml:"navigation_rate_hz"`

	// Devices
	SerialPort  string `yaml:"serial_port"`
	SerialBaud  int    `yaml:"serial_baud"`
	LidarPort   string `yaml:"lidar_port"`
	LidarBaud   int    `yaml:"lidar_baud"`
	CameraIndex int    `yaml:"camera_index"`
	QRFifo      string `yaml:"qr_fifo"`

	// Servo box
	ServoOpenAngle  int     `yaml:"servo_open_angle"`
	ServoCloseAngle int     `yaml:"servo_close_angle"`
	ServoDegPerSec  float64 `yaml:"servo_deg_per_sec"`

	// Navigation failure handling
	NoProgressTimeout   float64 `yaml:"no_progress_timeout_s"`
	MaxCollisionBackups int     `yaml:"max_collision_backups"`
	MaxReplans          int     `yaml:"max_replans"`

	// State machine
	Timeouts            StateTimeouts `yaml:"state_timeouts"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	RecoveryRetryDelay  float64       `yaml:"recovery_retry_delay_s"`
	DeliveryHold        float64       `yaml:"delivery_hold_s"`
	QRScanTimeout       float64       `yaml:"qr_scan_timeout_s"`

	// Paths
	MapFile   string `yaml:"map_file"`
	OrdersDB  string `yaml:"orders_db"`
	EventsDB  string `yaml:"events_db"`
	AudioDir  string `yaml:"audio_dir"`
	AudioPlay string `yaml:"audio_player"`
}

// DefaultConfig returns the canonical defaults. Every tunable has a value
// here; the YAML file only overrides.
func DefaultConfig() *Config {
	return &Config{
		Home:               XY{0, 0},
		Warehouse:          XY{5, 3},
		DeliveryZoneRadius: 3.0,

		PositionTolerance:  0.10,
		CustomerApproach:   0.50,
		ObstacleClearance:  0.30,
		IREmergencyStop:    0.10,
		ObstacleReplanDist: 0.30,

		WheelBase:     0.30,
		WheelRadius:   0.035,
		TicksPerRev:   360,
		MaxTickDelta:  1000,
		MaxMotorSpeed: 200,
		MinMotorSpeed: 60,

		LinearPID:  PIDGains{Kp: 0.8, Ki: 0.0, Kd: 0.1},
		AngularPID: PIDGains{Kp: 1.5, Ki: 0.0, Kd: 0.2},

		ParticleCount:     100,
		MotionNoiseTrans:  0.02,
		MotionNoiseRot:    0.05,
		MeasurementNoise:  0.20,
		DivergenceStdDev:  1.0,
		DivergenceWindow:  3.0,
		RelocalizeRetries: 3,

		TickRate:       10,
		LocalizeRate:   5,
		NavigationRate: 10,

		SerialPort:  "/dev/ttyACM0",
		SerialBaud:  9600,
		LidarPort:   "/dev/ttyUSB0",
		LidarBaud:   230400,
		CameraIndex: 0,
		QRFifo:      "/run/relaybot/qr",

		ServoOpenAngle:  90,
		ServoCloseAngle: 0,
		ServoDegPerSec:  45,

		NoProgressTimeout:   30,
		MaxCollisionBackups: 3,
		MaxReplans:          5,

		Timeouts: StateTimeouts{
			Waiting:               0,
			Approaching:           60,
			Verifying:             30,
			NavigatingToWarehouse: 120,
			Loading:               60,
			ReturningToCustomer:   120,
			Delivering:            15,
			Resetting:             120,
			ErrorRecovery:         180,
		},
		MaxRecoveryAttempts: 3,
		RecoveryRetryDelay:  2,
		DeliveryHold:        10,
		QRScanTimeout:       30,

		MapFile:   "maps/floor.json",
		OrdersDB:  "orders.db",
		EventsDB:  "delivery_events.db",
		AudioDir:  "assets/audio",
		AudioPlay: "aplay",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values a broken config would most plausibly carry.
func (c *Config) Validate() error {
	if c.PositionTolerance <= 0 {
		return fmt.Errorf("position_tolerance_m must be positive, got %v", c.PositionTolerance)
	}
	if c.CustomerApproach <= 0 {
		return fmt.Errorf("customer_approach_m must be positive, got %v", c.CustomerApproach)
	}
	if c.ObstacleClearance < 0 {
		return fmt.Errorf("obstacle_clearance_m must be non-negative, got %v", c.ObstacleClearance)
	}
	if c.WheelBase <= 0 || c.WheelRadius <= 0 {
		return fmt.Errorf("wheel geometry must be positive (base %v, radius %v)", c.WheelBase, c.WheelRadius)
	}
	if c.TicksPerRev <= 0 {
		return fmt.Errorf("encoder_ticks_per_rev must be positive, got %d", c.TicksPerRev)
	}
	if c.ParticleCount <= 0 {
		return fmt.Errorf("particle_count must be positive, got %d", c.ParticleCount)
	}
	if c.TickRate <= 0 || c.NavigationRate <= 0 || c.LocalizeRate <= 0 {
		return fmt.Errorf("update rates must be positive")
	}
	if c.MaxMotorSpeed <= 0 || c.MaxMotorSpeed > 255 {
		return fmt.Errorf("max_motor_speed must be 1-255, got %d", c.MaxMotorSpeed)
	}
	if c.MinMotorSpeed < 0 || c.MinMotorSpeed > c.MaxMotorSpeed {
		return fmt.Errorf("min_motor_speed must be 0..max, got %d", c.MinMotorSpeed)
	}
	if c.ServoOpenAngle < 0 || c.ServoOpenAngle > 180 || c.ServoCloseAngle < 0 || c.ServoCloseAngle > 180 {
		return fmt.Errorf("servo angles must be 0-180")
	}
	if c.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("max_recovery_attempts must be positive, got %d", c.MaxRecoveryAttempts)
	}
	if c.SerialBaud <= 0 || c.LidarBaud <= 0 {
		return fmt.Errorf("baud rates must be positive")
	}
	return nil
}

// TickPeriod returns the state machine tick interval.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.TickRate)
}

// For returns the deadline for a state machine state name, zero for
// unlimited.
func (t StateTimeouts) For(name string) time.Duration {
	secs := map[string]float64{
		"Waiting":               t.Waiting,
		"Approaching":           t.Approaching,
		"Verifying":             t.Verifying,
		"NavigatingToWarehouse": t.NavigatingToWarehouse,
		"Loading":               t.Loading,
		"ReturningToCustomer":   t.ReturningToCustomer,
		"Delivering":            t.Delivering,
		"Resetting":             t.Resetting,
		"ErrorRecovery":         t.ErrorRecovery,
	}[name]
	return time.Duration(secs * float64(time.Second))
}
