// Package config loads simulator settings from defaults, an optional YAML
// file, a .env file, VANET_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/mobility"
	"github.com/signalsfoundry/vanet-simulator/internal/observability"
	"github.com/signalsfoundry/vanet-simulator/internal/results"
	"github.com/signalsfoundry/vanet-simulator/internal/statusserver"
	"github.com/signalsfoundry/vanet-simulator/internal/transport/mqttbridge"
)

// EnvPrefix prefixes every environment override, e.g. VANET_SIMULATION_VEHICLES.
const EnvPrefix = "VANET"

// Simulation describes the scenario.
type Simulation struct {
	Vehicles           int           `mapstructure:"vehicles"`
	Violators          []int         `mapstructure:"violators"`
	RoadsideUnits      int           `mapstructure:"roadside-units"`
	Policy             string        `mapstructure:"policy"` // require-authenticated, accept-all, reject-all
	Duration           time.Duration `mapstructure:"duration"`
	Tick               time.Duration `mapstructure:"tick"`
	Mode               string        `mapstructure:"mode"` // accelerated or realtime
	ReportPeriod       time.Duration `mapstructure:"report-period"`
	StallAfter         time.Duration `mapstructure:"stall-after"`
	StallSpeed         float64       `mapstructure:"stall-speed"`
	VerificationRounds int           `mapstructure:"verification-rounds"`

	Medium   Medium   `mapstructure:"medium"`
	Mobility Mobility `mapstructure:"mobility"`
}

// Medium tunes the radio.
type Medium struct {
	Delay  time.Duration `mapstructure:"delay"`
	RangeM float64       `mapstructure:"range-m"`
}

// Mobility places vehicles. Vehicle i starts at (i*SpacingM, 0) heading
// east at SpeedMps unless Profiles[i] is set.
type Mobility struct {
	SpeedMps  float64            `mapstructure:"speed-mps"`
	SpacingM  float64            `mapstructure:"spacing-m"`
	StopAfter time.Duration      `mapstructure:"stop-after"`
	Profiles  []mobility.Profile `mapstructure:"profiles"`
}

// Overhead selects how protocol overhead is simulated.
type Overhead struct {
	Mode string `mapstructure:"mode"` // nominal or measured
}

// Metrics toggles the Prometheus collectors.
type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// Archive extends the archive options with an on/off switch.
type Archive struct {
	Enabled                bool `mapstructure:"enabled"`
	results.ArchiveOptions `mapstructure:",squash"`
}

// Results selects the teardown sinks.
type Results struct {
	SQLitePath string  `mapstructure:"sqlite-path"` // empty disables the store
	Table      bool    `mapstructure:"table"`
	Archive    Archive `mapstructure:"archive"`
}

// Config is the complete simulator configuration.
type Config struct {
	Simulation Simulation                  `mapstructure:"simulation"`
	Overhead   Overhead                    `mapstructure:"overhead"`
	Log        logging.Config              `mapstructure:"log"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
	Metrics    Metrics                     `mapstructure:"metrics"`
	Status     statusserver.Config         `mapstructure:"status"`
	Results    Results                     `mapstructure:"results"`
	MQTT       mqttbridge.Config           `mapstructure:"mqtt"`
}

var defaults = map[string]any{
	"simulation.vehicles":            10,
	"simulation.violators":           []int{0, 7},
	"simulation.roadside-units":      2,
	"simulation.policy":              "require-authenticated",
	"simulation.duration":            100 * time.Second,
	"simulation.tick":                time.Second,
	"simulation.mode":                "accelerated",
	"simulation.report-period":       10 * time.Second,
	"simulation.stall-after":         10 * time.Second,
	"simulation.stall-speed":         1.0,
	"simulation.verification-rounds": 2,
	"simulation.medium.delay":        time.Duration(0),
	"simulation.medium.range-m":      0.0,
	"simulation.mobility.speed-mps":  13.9,
	"simulation.mobility.spacing-m":  25.0,
	"simulation.mobility.stop-after": time.Duration(0),

	"overhead.mode": "nominal",

	"log.level":      "info",
	"log.format":     "text",
	"log.backend":    "slog",
	"log.add-source": false,

	"tracing.enabled":      false,
	"tracing.service-name": "vanetsim",
	"tracing.exporter":     "stdout",
	"tracing.endpoint":     "localhost:4317",
	"tracing.sample-ratio": 1.0,

	"metrics.enabled": true,

	"status.enabled":   false,
	"status.http-addr": ":8080",
	"status.grpc-addr": ":50051",

	"results.sqlite-path":               "",
	"results.table":                     true,
	"results.archive.enabled":           false,
	"results.archive.endpoint":          "localhost:9000",
	"results.archive.access-key-id":     "",
	"results.archive.secret-access-key": "",
	"results.archive.bucket":            "vanet-results",
	"results.archive.prefix":            "",
	"results.archive.use-ssl":           false,

	"mqtt.enabled":         false,
	"mqtt.broker-url":      "mqtt://localhost:1883",
	"mqtt.client-id":       "vanetsim",
	"mqtt.username":        "",
	"mqtt.password":        "",
	"mqtt.topic-prefix":    "vanet",
	"mqtt.qos":             0,
	"mqtt.keep-alive":      30,
	"mqtt.connect-timeout": 10 * time.Second,
	"mqtt.queue-size":      256,
}

// Loader resolves a Config from its sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader primed with defaults and environment lookups.
func NewLoader() *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// AddFlags registers the most used settings on fs. Flag names match the
// configuration keys so BindFlags can hand them to viper unchanged.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML configuration file.")
	fs.String("env-file", ".env", "Path to a .env file loaded when present.")

	fs.Int("simulation.vehicles", 10, "Number of vehicles.")
	fs.IntSlice("simulation.violators", []int{0, 7}, "Vehicle ids that send violation reports.")
	fs.Int("simulation.roadside-units", 2, "Number of roadside authorities.")
	fs.String("simulation.policy", "require-authenticated", "Roadside validation policy: require-authenticated, accept-all or reject-all.")
	fs.Duration("simulation.duration", 100*time.Second, "Simulated time to run.")
	fs.Duration("simulation.tick", time.Second, "Clock step.")
	fs.String("simulation.mode", "accelerated", "Clock mode: accelerated or realtime.")
	fs.Duration("simulation.report-period", 10*time.Second, "Report timer period.")
	fs.Float64("simulation.medium.range-m", 0, "Radio range in metres. Zero disables range checks.")

	fs.String("overhead.mode", "nominal", "Overhead simulation: nominal or measured.")

	fs.String("log.level", "info", "Log level: debug, info, warn or error.")
	fs.String("log.format", "text", "Log format: text or json.")
	fs.String("log.backend", "slog", "Log backend: slog or zap.")

	fs.Bool("tracing.enabled", false, "Enable OpenTelemetry tracing.")
	fs.String("tracing.exporter", "stdout", "Trace exporter: stdout or otlp.")

	fs.Bool("status.enabled", false, "Serve the HTTP status API and gRPC health.")
	fs.String("status.http-addr", ":8080", "HTTP status listen address.")
	fs.String("status.grpc-addr", ":50051", "gRPC health listen address.")

	fs.String("results.sqlite-path", "", "SQLite file receiving teardown scalars. Empty disables it.")
	fs.Bool("results.table", true, "Print teardown scalars as a table.")
	fs.Bool("results.archive.enabled", false, "Upload teardown scalars to S3-compatible storage.")

	fs.Bool("mqtt.enabled", false, "Mirror transmitted frames to an MQTT broker.")
	fs.String("mqtt.broker-url", "mqtt://localhost:1883", "MQTT broker URL.")
}

// BindFlags lets changed flags override every other source.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	if err := l.v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// LoadDotEnv loads path into the process environment when the file exists.
// Variables already set are left alone.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the optional config file at path and returns the merged,
// validated configuration. An empty path searches ./vanetsim.yaml and
// ./configs/vanetsim.yaml and tolerates neither existing.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("vanetsim")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("configs")
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFileUsed returns the file Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	s := c.Simulation
	if s.Vehicles < 0 {
		errs = append(errs, fmt.Errorf("simulation.vehicles must not be negative, got %d", s.Vehicles))
	}
	if s.RoadsideUnits < 0 {
		errs = append(errs, fmt.Errorf("simulation.roadside-units must not be negative, got %d", s.RoadsideUnits))
	}
	for _, id := range s.Violators {
		if id < 0 {
			errs = append(errs, fmt.Errorf("simulation.violators contains negative id %d", id))
		}
	}
	if s.Tick <= 0 {
		errs = append(errs, fmt.Errorf("simulation.tick must be positive, got %s", s.Tick))
	}
	if s.Duration < 0 {
		errs = append(errs, fmt.Errorf("simulation.duration must not be negative, got %s", s.Duration))
	}
	if s.ReportPeriod <= 0 {
		errs = append(errs, fmt.Errorf("simulation.report-period must be positive, got %s", s.ReportPeriod))
	}
	switch s.Mode {
	case "accelerated", "realtime", "real-time":
	default:
		errs = append(errs, fmt.Errorf("simulation.mode %q is not accelerated or realtime", s.Mode))
	}
	switch s.Policy {
	case "require-authenticated", "accept-all", "reject-all":
	default:
		errs = append(errs, fmt.Errorf("simulation.policy %q is not supported", s.Policy))
	}
	switch c.Overhead.Mode {
	case "nominal", "measured":
	default:
		errs = append(errs, fmt.Errorf("overhead.mode %q is not nominal or measured", c.Overhead.Mode))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("mqtt.broker-url is required when mqtt is enabled"))
	}
	if c.Results.Archive.Enabled && c.Results.Archive.Bucket == "" {
		errs = append(errs, errors.New("results.archive.bucket is required when the archive is enabled"))
	}
	return errors.Join(errs...)
}
