package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybot-data/relaybot/internal/audio"
	"github.com/relaybot-data/relaybot/internal/box"
	"github.com/relaybot-data/relaybot/internal/config"
	"github.com/relaybot-data/relaybot/internal/delivery"
	"github.com/relaybot-data/relaybot/internal/gridmap"
	"github.com/relaybot-data/relaybot/internal/lidar"
	"github.com/relaybot-data/relaybot/internal/localize"
	"github.com/relaybot-data/relaybot/internal/monitoring"
	"github.com/relaybot-data/relaybot/internal/motion"
	"github.com/relaybot-data/relaybot/internal/navigate"
	"github.com/relaybot-data/relaybot/internal/odometry"
	"github.com/relaybot-data/relaybot/internal/orders"
	"github.com/relaybot-data/relaybot/internal/pose"
	"github.com/relaybot-data/relaybot/internal/serialmux"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the delivery robot until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRobot()
	},
}

func runRobot() error {
	monitoring.Verbose = verbose

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	grid, err := gridmap.Load(cfg.MapFile)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	inflated := grid.Inflate(cfg.ObstacleClearance)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Microcontroller link.
	mux, err := serialmux.NewRealSerialMux(cfg.SerialPort, serialmux.PortOptions{BaudRate: cfg.SerialBaud})
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	defer mux.Close()
	link := serialmux.NewLink(mux)
	go func() {
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("serial monitor exited: %v", err)
		}
	}()
	go link.Run(ctx)

	// Lidar.
	lidarPort, err := serialmux.OpenPort(cfg.LidarPort, serialmux.PortOptions{BaudRate: cfg.LidarBaud})
	if err != nil {
		return fmt.Errorf("lidar: %w", err)
	}
	scans := lidar.NewSerialSource(lidarPort)
	defer scans.Close()

	// Pose pipeline: encoders -> odometry -> particle filter.
	odom := odometry.New(odometry.Params{
		WheelBase:    cfg.WheelBase,
		WheelRadius:  cfg.WheelRadius,
		TicksPerRev:  cfg.TicksPerRev,
		MaxTickDelta: cfg.MaxTickDelta,
	})

	filterParams := localize.DefaultParams()
	filterParams.N = cfg.ParticleCount
	filterParams.MotionNoiseTrans = cfg.MotionNoiseTrans
	filterParams.MotionNoiseRot = cfg.MotionNoiseRot
	filterParams.MeasurementNoise = cfg.MeasurementNoise
	filterParams.DivergenceStdDev = cfg.DivergenceStdDev
	filterParams.DivergenceUpdates = int(cfg.DivergenceWindow * cfg.LocalizeRate)
	filterParams.RelocalizeRetries = cfg.RelocalizeRetries

	filter := localize.New(grid, pose.Pose{X: cfg.Home.X, Y: cfg.Home.Y}, filterParams, nil)

	motionCfg := motion.DefaultConfig()
	motionCfg.LinearPID = motion.PID{Kp: cfg.LinearPID.Kp, Ki: cfg.LinearPID.Ki, Kd: cfg.LinearPID.Kd}
	motionCfg.AngularPID = motion.PID{Kp: cfg.AngularPID.Kp, Ki: cfg.AngularPID.Ki, Kd: cfg.AngularPID.Kd}
	motionCfg.MaxSpeed = cfg.MaxMotorSpeed
	motionCfg.MinSpeed = cfg.MinMotorSpeed
	motionCfg.PositionTolerance = cfg.PositionTolerance
	motionCfg.UpdateRate = cfg.NavigationRate
	motionCfg.NoProgressTimeout = time.Duration(cfg.NoProgressTimeout * float64(time.Second))
	motionCfg.IRStopDistance = cfg.IREmergencyStop
	motionCfg.MaxIRBackups = cfg.MaxCollisionBackups
	motionCfg.ObstacleReplanDist = cfg.ObstacleReplanDist
	motionCfg.MaxReplans = cfg.MaxReplans
	ctrl := motion.NewController(motionCfg, link)

	nav := navigate.New(inflated, filter, ctrl, scans, link, cfg.LocalizeRate)
	go nav.Run(ctx)

	// Telemetry fan-out: one handler feeds odometry, IR, and the loading
	// button, in receipt order.
	irReadings := newIRState()
	confirmer := &delivery.ButtonConfirmer{}
	link.OnTelemetry(func(t serialmux.Telemetry) {
		switch t.Kind {
		case serialmux.TelemetryEncoder:
			ds, dth := odom.Update(t.LeftTicks, t.RightTicks)
			nav.OnOdometry(ds, dth)
		case serialmux.TelemetryIR:
			irReadings.set(t.Raw / 100.0) // firmware reports centimetres
		case serialmux.TelemetryButton:
			confirmer.OnTelemetry(t)
		}
	})
	ctrl.IRFn = irReadings.get

	// Orders database and QR flow.
	store, err := orders.Open(cfg.OrdersDB)
	if err != nil {
		return fmt.Errorf("orders db: %w", err)
	}
	defer store.Close()
	if err := store.MigrateUp("migrations"); err != nil {
		monitoring.Logf("orders migrations unavailable (%v), ensuring schema directly", err)
		if err := store.EnsureSchema(); err != nil {
			return fmt.Errorf("orders schema: %w", err)
		}
	}
	verifier := orders.NewVerifier(store)
	qrSource := newFifoSource(cfg.QRFifo)

	// Box, audio, eyes.
	boxCtl := box.New(box.Config{
		OpenAngle:  cfg.ServoOpenAngle,
		CloseAngle: cfg.ServoCloseAngle,
		DegPerSec:  cfg.ServoDegPerSec,
	}, link)
	if err := boxCtl.Close(); err != nil {
		monitoring.Logf("startup box close failed: %v", err)
	}
	player := audio.NewExecPlayer(cfg.AudioPlay, cfg.AudioDir)

	// Transition log.
	events, err := delivery.OpenSQLiteLog(cfg.EventsDB)
	if err != nil {
		return fmt.Errorf("events db: %w", err)
	}
	defer events.Close()

	machineCfg := delivery.Config{
		HomeX: cfg.Home.X, HomeY: cfg.Home.Y,
		WarehouseX: cfg.Warehouse.X, WarehouseY: cfg.Warehouse.Y,
		DeliveryZoneRadius: cfg.DeliveryZoneRadius,
		CustomerApproach:   cfg.CustomerApproach,
		ApproachSpeed:      cfg.MaxMotorSpeed * 3 / 5,
		DetectionDebounce:  2 * time.Second,
		TickPeriod:         cfg.TickPeriod(),
		DeliveryHold:       time.Duration(cfg.DeliveryHold * float64(time.Second)),
		QRScanTimeout:      time.Duration(cfg.QRScanTimeout * float64(time.Second)),
		Timeouts: map[delivery.State]time.Duration{
			delivery.StateWaiting:               cfg.Timeouts.For("Waiting"),
			delivery.StateApproaching:           cfg.Timeouts.For("Approaching"),
			delivery.StateVerifying:             cfg.Timeouts.For("Verifying"),
			delivery.StateNavigatingToWarehouse: cfg.Timeouts.For("NavigatingToWarehouse"),
			delivery.StateLoading:               cfg.Timeouts.For("Loading"),
			delivery.StateReturningToCustomer:   cfg.Timeouts.For("ReturningToCustomer"),
			delivery.StateDelivering:            cfg.Timeouts.For("Delivering"),
			delivery.StateResetting:             cfg.Timeouts.For("Resetting"),
			delivery.StateErrorRecovery:         cfg.Timeouts.For("ErrorRecovery"),
		},
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		RecoveryRetryDelay:  time.Duration(cfg.RecoveryRetryDelay * float64(time.Second)),
	}

	machine := delivery.NewMachine(machineCfg, delivery.Deps{
		Nav:    nav,
		Box:    boxCtl,
		LEDs:   link,
		Motors: link,
		Person: &delivery.LidarPersonFinder{
			Scans:    nav,
			Detector: lidar.NewDetector(lidar.DefaultDetectorParams()),
		},
		Audio:   player,
		Confirm: confirmer,
		Log:     events,
		StartScan: func(scanCtx context.Context, timeout time.Duration) delivery.ScanHandle {
			return orders.StartScan(scanCtx, qrSource, verifier, timeout)
		},
	})

	monitoring.Logf("relaybot up: map %s, serial %s, lidar %s", cfg.MapFile, cfg.SerialPort, cfg.LidarPort)

	err = machine.Run(ctx)
	switch {
	case errors.Is(err, delivery.ErrEmergencyStopped):
		monitoring.Logf("exiting after emergency stop")
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		monitoring.Logf("clean shutdown")
		return nil
	}
	return err
}
