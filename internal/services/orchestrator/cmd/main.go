package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/config"
	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/actuator"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/api"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/drone"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/evaluator"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/inference"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/orchestrator"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/router"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/sensorhub"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/telemetry"
	"github.com/LeonardoBeccarini/smart_inspection/internal/simulator"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/logger"
)

func main() {
	cfgPath := flag.String("config", "", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Service)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("startup failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// closers run in reverse order on the way out.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.run()

	metrics := telemetry.NewMetrics()

	// ---- MQTT ----
	// The broker outlives ctx so a flight in progress can still land.
	brokerCtx, closeBroker := context.WithCancel(context.Background())
	cleanup.add(closeBroker)
	var client mqtt.Client
	needMQTT := cfg.Drone.Driver == config.DriverMQTT || cfg.LED.Driver == config.DriverMQTT
	if bcfg := broker.Config(cfg.MQTT); bcfg.Enabled() {
		c, err := broker.Connect(brokerCtx, bcfg, log.Named("mqtt"))
		switch {
		case err == nil:
			client = c
		case needMQTT:
			return err
		default:
			log.Warn("mqtt unavailable, events disabled", zap.Error(err))
		}
	}
	var pub broker.IPublisher
	if client != nil {
		pub = broker.NewPublisher(client, 5*time.Second)
	}

	// ---- sensors ----
	hub, closeBus := buildHub(cfg.Sensors, metrics, log.Named("sensors"))
	cleanup.add(func() {
		_ = hub.Close()
		if closeBus != nil {
			_ = closeBus()
		}
	})
	pctx, pcancel := context.WithTimeout(ctx, 10*time.Second)
	present := hub.Probe(pctx)
	pcancel()
	if present == 0 {
		return errors.New("no sensor initialized")
	}
	log.Info("sensors ready", zap.Int("present", present), zap.Int("configured", len(hub.Sources())))

	// ---- drone ----
	newSession, err := buildDrone(brokerCtx, cfg.Drone, client, pub, log.Named("drone"))
	if err != nil {
		return err
	}

	// ---- indicator ----
	led, closeLED, err := buildLED(cfg.LED, pub, log.Named("led"))
	if err != nil {
		return err
	}
	if closeLED != nil {
		cleanup.add(closeLED)
	}

	// ---- model ----
	model := inference.New(inference.Config{
		BaseURL:         cfg.Inference.BaseURL,
		Model:           cfg.Inference.Model,
		APIKey:          cfg.Inference.APIKey,
		Temperature:     cfg.Inference.Temperature,
		MaxTokens:       cfg.Inference.MaxTokens,
		Retries:         cfg.Inference.Retries,
		BreakerFails:    cfg.Inference.BreakerFails,
		BreakerOpen:     cfg.Inference.BreakerOpen.D(),
		BreakerInterval: cfg.Inference.BreakerInterval.D(),
	}, log.Named("inference"))
	if cfg.Inference.Warmup {
		wctx, wcancel := context.WithTimeout(ctx, cfg.Inference.Timeout.D())
		if err := model.Warmup(wctx); err != nil {
			log.Warn("model warmup failed, continuing", zap.Error(err))
		}
		wcancel()
	}

	bands := make(map[entities.SensorSource]evaluator.Band, len(cfg.Evaluator.Bands))
	for src, b := range cfg.Evaluator.Bands {
		bands[entities.SensorSource(src)] = evaluator.Band{Min: b.Min, Max: b.Max}
	}
	eval := evaluator.New(evaluator.Config{ClearanceM: cfg.Evaluator.ClearanceM, Bands: bands})

	// ---- telemetry ----
	var sink *telemetry.InfluxSink
	if cfg.Influx.Enabled() {
		ic := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		cleanup.add(ic.Close)
		sink = telemetry.NewInfluxSink(ic.WriteAPI(cfg.Influx.Org, cfg.Influx.Bucket), cfg.Service, log.Named("influx"))
	}
	go telemetry.NewAmbientReporter(hub, sink, metrics, cfg.Telemetry.AmbientInterval.D(), log.Named("reporter")).Start(ctx)

	var notifier orchestrator.Notifier
	if pub != nil && cfg.Telemetry.EventTopic != "" {
		notifier = telemetry.NewEventPublisher(pub, cfg.Telemetry.EventTopic, log.Named("events"))
	}

	// ---- orchestrator ----
	o, err := orchestrator.New(orchestrator.Config{
		TriggerPolicy:    cfg.Orchestrator.TriggerPolicy,
		Keywords:         cfg.Orchestrator.Keywords,
		HistoryTurns:     cfg.Inference.HistoryTurns,
		InferenceTimeout: cfg.Inference.Timeout.D(),
		SessionTimeout:   cfg.Drone.Timeout.D(),
		ShutdownGrace:    cfg.Orchestrator.ShutdownGrace.D(),
	}, orchestrator.Deps{
		Sensors:    hub,
		Model:      model,
		Router:     router.New(nil, log.Named("router")),
		Evaluator:  eval,
		LED:        led,
		NewSession: newSession,
		Notifier:   notifier,
		Metrics:    metrics,
	}, log.Named("orchestrator"))
	if err != nil {
		return err
	}

	// ---- API ----
	health := api.NewHealthServer(log.Named("grpc"))
	o.OnFault(health.SetFatal)
	if cfg.API.GRPCAddr != "" {
		go func() {
			if err := health.Serve(ctx, cfg.API.GRPCAddr); err != nil {
				log.Error("gRPC health stopped", zap.Error(err))
			}
		}()
	}
	if cfg.API.HTTPAddr != "" {
		deps := api.Deps{Backend: o, Sensors: hub, Metrics: metrics.Handler()}
		if client != nil {
			deps.MQTTConnected = client.IsConnectionOpen
		}
		if sink != nil {
			deps.Influx = sink
		}
		access := zap.NewStdLog(log.Named("http")).Writer()
		srv := &http.Server{
			Addr:              cfg.API.HTTPAddr,
			Handler:           api.Handler(api.NewRouter(deps, log.Named("api")), access),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("HTTP listening", zap.String("addr", cfg.API.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server stopped", zap.Error(err))
			}
		}()
		cleanup.add(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
	}

	if cfg.Orchestrator.Console {
		console := orchestrator.NewConsole(o, hub, os.Stdin, os.Stdout, stop)
		console.Banner(model.Model())
		go console.Run(ctx)
	}

	// Run returns only once ctx is cancelled and any active flight has landed.
	err = o.Run(ctx)
	log.Info("shutdown complete")
	return err
}

func buildHub(cfg config.Sensors, m *telemetry.Metrics, log *zap.Logger) (*sensorhub.Hub, func() error) {
	opts := sensorhub.Options{
		ReadTimeout:    cfg.ReadTimeout.D(),
		MotionCooldown: cfg.MotionCooldown.D(),
		OnAbsent:       m.SensorAbsent,
	}
	if cfg.Driver == config.DriverSim {
		amb := simulator.NewAmbientModel(cfg.SimSeed)
		return sensorhub.New(sensorhub.SimAmbient(amb), sensorhub.NewSimPIR(cfg.SimMotionEvery.D()), opts, log), nil
	}

	open, closeBus := sensorhub.SharedBus(cfg.I2CBus)
	sht := sensorhub.NewSHTC3(open)
	sensors := []sensorhub.Readable{
		sht.Temperature(),
		sht.Humidity(),
		sensorhub.NewBMP280(open, cfg.BMP280Address),
	}
	if cfg.ButtonPin >= 0 {
		sensors = append(sensors, sensorhub.NewButton(cfg.GPIOChip, cfg.ButtonPin))
	}
	var pir sensorhub.MotionSensor
	if cfg.PIRPin >= 0 {
		pir = sensorhub.NewPIR(cfg.GPIOChip, cfg.PIRPin)
	}
	return sensorhub.New(sensors, pir, opts, log), closeBus
}

func buildDrone(ctx context.Context, cfg config.Drone, client mqtt.Client, pub broker.IPublisher, log *zap.Logger) (orchestrator.SessionFactory, error) {
	var link drone.Link
	switch cfg.Driver {
	case config.DriverSim:
		link = simulator.NewSimDrone(simulator.DefaultRoom(), 2, 2.5).WithLatency(50 * time.Millisecond)
		log.Info("using simulated drone")
	default:
		if client == nil {
			return nil, errors.New("drone driver mqtt needs a broker")
		}
		ml := drone.NewMQTTLink(pub, drone.MQTTConfig{
			TopicPrefix:    cfg.TopicPrefix,
			URI:            cfg.URI,
			CommandTimeout: cfg.CommandTimeout.D(),
		}, log)
		if err := broker.NewConsumer(client, ml.Filters(), ml.Handle, log).Subscribe(ctx); err != nil {
			return nil, fmt.Errorf("subscribe drone bridge: %w", err)
		}
		link = ml
		log.Info("drone bridge ready", zap.String("prefix", cfg.TopicPrefix))
	}

	sessCfg := drone.Config{
		Pattern:         entities.RotationPattern(cfg.HeightM, cfg.StepDeg),
		SampleInterval:  cfg.SampleInterval.D(),
		SampleTimeout:   cfg.SampleTimeout.D(),
		SafetyDistanceM: cfg.SafetyDistanceM,
		LandingGrace:    cfg.LandingGrace.D(),
		MaxDeckMisses:   cfg.MaxDeckMisses,
	}
	return func(observe func(drone.Transition)) orchestrator.Runner {
		return drone.NewSession(link, link, sessCfg, drone.WithLogger(log), drone.WithObserver(observe))
	}, nil
}

func buildLED(cfg config.LED, pub broker.IPublisher, log *zap.Logger) (actuator.Driver, func(), error) {
	switch cfg.Driver {
	case config.DriverGPIO:
		g, err := actuator.OpenGPIO(cfg.GPIOChip, cfg.RedPin, cfg.GreenPin)
		if err != nil {
			log.Warn("LED GPIO unavailable, logging indicator only", zap.Error(err))
			return actuator.NewLog(log), nil, nil
		}
		return g, func() {
			_ = g.SetState(entities.LEDOff)
			_ = g.Close()
		}, nil
	case config.DriverMQTT:
		if pub == nil {
			return nil, nil, errors.New("led driver mqtt needs a broker")
		}
		return actuator.NewMQTT(pub, cfg.Topic), nil, nil
	default:
		return actuator.NewLog(log), nil, nil
	}
}
