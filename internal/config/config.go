// Package config loads the orchestrator configuration: a JSON file whose
// missing keys keep their defaults, then environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads and writes JSON strings like "300ms".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"300ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

const (
	PolicyConfirm = "confirm"
	PolicyAuto    = "auto"

	DriverHardware = "hardware"
	DriverSim      = "sim"
	DriverMQTT     = "mqtt"
	DriverGPIO     = "gpio"
	DriverLog      = "log"
)

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Sensors struct {
	Driver         string   `json:"driver"` // hardware | sim
	ReadTimeout    Duration `json:"read_timeout"`
	MotionCooldown Duration `json:"motion_cooldown"`
	I2CBus         string   `json:"i2c_bus"`
	BMP280Address  uint16   `json:"bmp280_address"`
	GPIOChip       string   `json:"gpio_chip"`
	PIRPin         int      `json:"pir_pin"`
	ButtonPin      int      `json:"button_pin"` // negative disables
	// sim only
	SimMotionEvery Duration `json:"sim_motion_every"`
	SimSeed        int64    `json:"sim_seed"`
}

type Drone struct {
	Driver          string   `json:"driver"` // mqtt | sim
	URI             string   `json:"uri"`
	TopicPrefix     string   `json:"topic_prefix"`
	CommandTimeout  Duration `json:"command_timeout"`
	HeightM         float64  `json:"height_m"`
	StepDeg         float64  `json:"step_deg"`
	Timeout         Duration `json:"timeout"`
	LandingGrace    Duration `json:"landing_grace"`
	SampleInterval  Duration `json:"sample_interval"`
	SampleTimeout   Duration `json:"sample_timeout"`
	SafetyDistanceM float64  `json:"safety_distance_m"`
	MaxDeckMisses   int      `json:"max_deck_misses"`
}

// Band is an inclusive normal range; a nil bound is open.
type Band struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

type Evaluator struct {
	ClearanceM float64         `json:"clearance_m"`
	Bands      map[string]Band `json:"bands"`
}

type Inference struct {
	BaseURL         string   `json:"base_url"`
	Model           string   `json:"model"`
	APIKey          string   `json:"api_key"`
	Timeout         Duration `json:"timeout"`
	Temperature     float64  `json:"temperature"`
	MaxTokens       int      `json:"max_tokens"`
	Retries         int      `json:"retries"`
	HistoryTurns    int      `json:"history_turns"`
	Warmup          bool     `json:"warmup"`
	BreakerFails    int      `json:"breaker_fails"`
	BreakerOpen     Duration `json:"breaker_open"`
	BreakerInterval Duration `json:"breaker_interval"`
}

type Orchestrator struct {
	TriggerPolicy string   `json:"trigger_policy"`
	Keywords      []string `json:"keywords"`
	Console       bool     `json:"console"`
	ShutdownGrace Duration `json:"shutdown_grace"`
}

type LED struct {
	Driver   string `json:"driver"` // gpio | mqtt | log
	GPIOChip string `json:"gpio_chip"`
	RedPin   int    `json:"red_pin"`
	GreenPin int    `json:"green_pin"`
	Topic    string `json:"topic"`
}

type MQTT struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	ClientID   string `json:"client_id"`
	MaxRetries int    `json:"max_retries"`
}

type Influx struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

func (i Influx) Enabled() bool { return i.URL != "" && i.Token != "" }

type Telemetry struct {
	EventTopic      string   `json:"event_topic"`
	AmbientInterval Duration `json:"ambient_interval"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

type Config struct {
	Service      string       `json:"service"`
	Log          Log          `json:"log"`
	Sensors      Sensors      `json:"sensors"`
	Drone        Drone        `json:"drone"`
	Evaluator    Evaluator    `json:"evaluator"`
	Inference    Inference    `json:"inference"`
	Orchestrator Orchestrator `json:"orchestrator"`
	LED          LED          `json:"led"`
	MQTT         MQTT         `json:"mqtt"`
	Influx       Influx       `json:"influx"`
	Telemetry    Telemetry    `json:"telemetry"`
	API          API          `json:"api"`
}

func f(v float64) *float64 { return &v }

// Default is a Raspberry Pi install with the drone behind the MQTT bridge.
func Default() Config {
	return Config{
		Service: "smart-inspection",
		Log:     Log{Level: "info", Format: "json"},
		Sensors: Sensors{
			Driver:         DriverHardware,
			ReadTimeout:    Duration(500 * time.Millisecond),
			MotionCooldown: Duration(5 * time.Second),
			I2CBus:         "/dev/i2c-1",
			BMP280Address:  0x77,
			GPIOChip:       "gpiochip0",
			PIRPin:         4,
			ButtonPin:      20,
			SimMotionEvery: Duration(2 * time.Minute),
			SimSeed:        1,
		},
		Drone: Drone{
			Driver:          DriverMQTT,
			URI:             "radio://0/80/2M/E7E7E7E7E7",
			TopicPrefix:     "drone/cf1",
			CommandTimeout:  Duration(5 * time.Second),
			HeightM:         0.5,
			StepDeg:         45,
			Timeout:         Duration(60 * time.Second),
			LandingGrace:    Duration(10 * time.Second),
			SampleInterval:  Duration(300 * time.Millisecond),
			SampleTimeout:   Duration(time.Second),
			SafetyDistanceM: 0.15,
			MaxDeckMisses:   3,
		},
		Evaluator: Evaluator{
			ClearanceM: 0.5,
			Bands: map[string]Band{
				"temperature": {Min: f(10), Max: f(30)},
				"humidity":    {Min: f(20), Max: f(70)},
				"pressure":    {Min: f(950), Max: f(1050)},
			},
		},
		Inference: Inference{
			BaseURL:         "http://localhost:11434",
			Model:           "llama3.2:3b",
			Timeout:         Duration(30 * time.Second),
			Temperature:     0.2,
			Retries:         2,
			HistoryTurns:    8,
			Warmup:          true,
			BreakerFails:    3,
			BreakerOpen:     Duration(30 * time.Second),
			BreakerInterval: Duration(time.Minute),
		},
		Orchestrator: Orchestrator{
			TriggerPolicy: PolicyConfirm,
			Keywords:      []string{"crazyflie", "drone", "fly", "inspect", "scan"},
			Console:       true,
			ShutdownGrace: Duration(15 * time.Second),
		},
		LED: LED{
			Driver:   DriverGPIO,
			GPIOChip: "gpiochip0",
			RedPin:   13,
			GreenPin: 26,
			Topic:    "inspection/led",
		},
		MQTT: MQTT{Host: "localhost", Port: 1883, ClientID: "smart-inspection", MaxRetries: 5},
		Influx: Influx{
			Org:    "inspection",
			Bucket: "ambient",
		},
		Telemetry: Telemetry{
			EventTopic:      "inspection/events",
			AmbientInterval: Duration(time.Minute),
		},
		API: API{HTTPAddr: ":8080", GRPCAddr: ":50051"},
	}
}

// Load reads path (optional) over Default, applies the environment and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(get func(string) string, key string, dst *string) {
	if v := strings.TrimSpace(get(key)); v != "" {
		*dst = v
	}
}

func envInt(get func(string) string, key string, dst *int) {
	if v := strings.TrimSpace(get(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) applyEnv(get func(string) string) {
	envString(get, "LOG_LEVEL", &c.Log.Level)
	envString(get, "LOG_FORMAT", &c.Log.Format)
	envString(get, "INFERENCE_BASE_URL", &c.Inference.BaseURL)
	envString(get, "INFERENCE_MODEL", &c.Inference.Model)
	envString(get, "MQTT_HOST", &c.MQTT.Host)
	envInt(get, "MQTT_PORT", &c.MQTT.Port)
	envString(get, "MQTT_USER", &c.MQTT.User)
	envString(get, "MQTT_PASSWORD", &c.MQTT.Password)
	envString(get, "INFLUX_URL", &c.Influx.URL)
	envString(get, "INFLUX_TOKEN", &c.Influx.Token)
	envString(get, "INFLUX_ORG", &c.Influx.Org)
	envString(get, "INFLUX_BUCKET", &c.Influx.Bucket)
	envString(get, "HTTP_ADDR", &c.API.HTTPAddr)
	envString(get, "GRPC_ADDR", &c.API.GRPCAddr)
	envString(get, "TRIGGER_POLICY", &c.Orchestrator.TriggerPolicy)
	envString(get, "SENSOR_DRIVER", &c.Sensors.Driver)
	envString(get, "DRONE_DRIVER", &c.Drone.Driver)
	envString(get, "LED_DRIVER", &c.LED.Driver)
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	positive := func(field string, d Duration) {
		if d <= 0 {
			add(fmt.Errorf("%s must be positive", field))
		}
	}

	add(oneOf("orchestrator.trigger_policy", c.Orchestrator.TriggerPolicy, PolicyConfirm, PolicyAuto))
	add(oneOf("sensors.driver", c.Sensors.Driver, DriverHardware, DriverSim))
	add(oneOf("drone.driver", c.Drone.Driver, DriverMQTT, DriverSim))
	add(oneOf("led.driver", c.LED.Driver, DriverGPIO, DriverMQTT, DriverLog))
	add(oneOf("log.format", c.Log.Format, "json", "console"))

	positive("sensors.read_timeout", c.Sensors.ReadTimeout)
	positive("drone.command_timeout", c.Drone.CommandTimeout)
	positive("drone.timeout", c.Drone.Timeout)
	positive("drone.landing_grace", c.Drone.LandingGrace)
	positive("drone.sample_interval", c.Drone.SampleInterval)
	positive("drone.sample_timeout", c.Drone.SampleTimeout)
	positive("inference.timeout", c.Inference.Timeout)
	positive("orchestrator.shutdown_grace", c.Orchestrator.ShutdownGrace)
	positive("telemetry.ambient_interval", c.Telemetry.AmbientInterval)

	if c.Evaluator.ClearanceM <= 0 {
		add(errors.New("evaluator.clearance_m must be positive"))
	}
	if c.Drone.SafetyDistanceM >= c.Evaluator.ClearanceM {
		add(fmt.Errorf("drone.safety_distance_m (%.2f) must be below evaluator.clearance_m (%.2f)",
			c.Drone.SafetyDistanceM, c.Evaluator.ClearanceM))
	}
	if c.Drone.HeightM <= 0 {
		add(errors.New("drone.height_m must be positive"))
	}
	if c.Drone.StepDeg <= 0 || c.Drone.StepDeg > 360 {
		add(errors.New("drone.step_deg must be in (0,360]"))
	}
	if c.Inference.HistoryTurns <= 0 {
		add(errors.New("inference.history_turns must be positive"))
	}
	for name, b := range c.Evaluator.Bands {
		add(oneOf("evaluator.bands", name, "temperature", "humidity", "pressure"))
		if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
			add(fmt.Errorf("evaluator.bands.%s: min above max", name))
		}
	}
	if c.Drone.Driver == DriverMQTT || c.LED.Driver == DriverMQTT {
		if c.MQTT.Host == "" {
			add(errors.New("mqtt.host is required by the mqtt drone or led driver"))
		}
	}
	return errors.Join(errs...)
}
