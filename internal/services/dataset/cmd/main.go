// Command dataset-capture flies one inspection session and stores the
// ranging sweep as labelled training rows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/config"
	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/dataset"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/drone"
	"github.com/LeonardoBeccarini/smart_inspection/internal/simulator"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/logger"
)

func main() {
	cfgPath := flag.String("config", "", "path to the JSON configuration file")
	out := flag.String("out", "dataset/multiranger_data.csv", "output file; .xlsx writes a workbook, anything else appends CSV")
	status := flag.Bool("status", true, "add the Status label column")
	threshold := flag.Float64("threshold", 0.3, "distance in meters at or below which a row is labelled an anomaly")

	room := simulator.DefaultRoom()
	flag.Func("obstacle", "sim driver only: add an obstacle as x,y,radius (repeatable)", func(s string) error {
		o, err := simulator.ParseObstacle(s)
		if err != nil {
			return err
		}
		room.Obstacles = append(room.Obstacles, o)
		return nil
	})
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "dataset-capture")
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, room, *out, *status, *threshold, log); err != nil {
		log.Error("capture failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, room simulator.Room, out string, withStatus bool, threshold float64, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, closeLink, err := openLink(cfg, room, log)
	if err != nil {
		return err
	}
	defer closeLink()

	sess := drone.NewSession(link, link, drone.Config{
		Pattern:         entities.RotationPattern(cfg.Drone.HeightM, cfg.Drone.StepDeg),
		SampleInterval:  cfg.Drone.SampleInterval.D(),
		SampleTimeout:   cfg.Drone.SampleTimeout.D(),
		SafetyDistanceM: cfg.Drone.SafetyDistanceM,
		LandingGrace:    cfg.Drone.LandingGrace.D(),
		MaxDeckMisses:   cfg.Drone.MaxDeckMisses,
	}, drone.WithLogger(log.Named("session")))

	res, err := sess.Run(ctx, cfg.Drone.Timeout.D())
	if err != nil && len(res.Sweep) == 0 {
		return err
	}
	switch {
	case drone.IsFatal(err):
		log.Error("landing not confirmed, check the drone before flying again", zap.Error(err))
	case err != nil:
		log.Warn("session ended early, keeping partial sweep", zap.Error(err))
	}

	rows := dataset.Rows(res.Sweep, threshold)
	log.Info("sweep captured",
		zap.String("session", res.SessionID),
		zap.Int("samples", len(res.Sweep)),
		zap.Int("rows", len(rows)))

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if strings.EqualFold(filepath.Ext(out), ".xlsx") {
		err = dataset.WriteXLSX(out, rows, withStatus)
	} else {
		err = appendCSV(out, rows, withStatus)
	}
	if errors.Is(err, dataset.ErrTooFewFrames) {
		log.Warn("not enough complete frames, nothing written", zap.Int("rows", len(rows)))
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("dataset written", zap.String("path", out))
	return nil
}

// appendCSV writes the header only when the file is new or empty.
func appendCSV(path string, rows []dataset.Row, withStatus bool) error {
	if len(rows) <= dataset.MinFrames {
		return dataset.ErrTooFewFrames
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := dataset.WriteCSV(f, rows, withStatus, st.Size() == 0); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func openLink(cfg config.Config, room simulator.Room, log *zap.Logger) (drone.Link, func(), error) {
	if cfg.Drone.Driver == config.DriverSim {
		log.Info("using simulated drone", zap.Int("obstacles", len(room.Obstacles)))
		return simulator.NewSimDrone(room, room.WidthM/2, room.DepthM/2).
			WithLatency(50 * time.Millisecond).
			WithNoise(0.01, time.Now().UnixNano()), func() {}, nil
	}

	// Not tied to the signal context: the session still has to land after Ctrl-C.
	bctx, cancel := context.WithCancel(context.Background())
	client, err := broker.Connect(bctx, broker.Config(cfg.MQTT), log.Named("mqtt"))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	ml := drone.NewMQTTLink(broker.NewPublisher(client, 5*time.Second), drone.MQTTConfig{
		TopicPrefix:    cfg.Drone.TopicPrefix,
		URI:            cfg.Drone.URI,
		CommandTimeout: cfg.Drone.CommandTimeout.D(),
	}, log.Named("drone"))
	if err := broker.NewConsumer(client, ml.Filters(), ml.Handle, log).Subscribe(bctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribe drone bridge: %w", err)
	}
	return ml, cancel, nil
}
