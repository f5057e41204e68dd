package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully resolved gateway configuration
type Config struct {
	ListenAddr        string        `validate:"required"`
	RequestTimeout    time.Duration `validate:"gt=0"`
	KeepAliveTimeout  time.Duration `validate:"gte=0"`
	TolerableFailures int           `validate:"gte=1"`

	ImageSize        int `validate:"gte=64,lte=2048"`
	StepsNormal      int `validate:"gte=1"`
	StepsHighQuality int `validate:"gte=1"`

	QueueDepth           int `validate:"gte=1"`
	MaxBatchSize         int `validate:"gte=1"`
	CountBackendFailures bool

	Backend BackendConfig

	MonitorEnabled bool
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=json console"`
}

// BackendConfig selects and configures the backend adapter
type BackendConfig struct {
	Kind             string `validate:"oneof=noise http modal"`
	URL              string `validate:"omitempty,url"`
	ModalApp         string
	ModalFunction    string
	ModalEnvironment string
	NoiseLatency     time.Duration `validate:"gte=0"`
}

// Keys are flat so each one maps to exactly one environment variable
// (request_timeout -> REQUEST_TIMEOUT).
const (
	KeyListenAddr           = "listen_addr"
	KeyRequestTimeout       = "request_timeout"
	KeyKeepAliveTimeout     = "keep_alive_timeout"
	KeyTolerableFailures    = "tolerable_failures"
	KeyImageSize            = "image_size"
	KeyStepsNormal          = "steps_normal"
	KeyStepsHighQuality     = "steps_high_quality"
	KeyQueueDepth           = "queue_depth"
	KeyMaxBatchSize         = "max_batch_size"
	KeyCountBackendFailures = "count_backend_failures"
	KeyBackend              = "backend"
	KeyBackendURL           = "backend_url"
	KeyModalApp             = "modal_app"
	KeyModalFunction        = "modal_function"
	KeyModalEnvironment     = "modal_environment"
	KeyNoiseLatency         = "noise_latency"
	KeyMonitorEnabled       = "monitor_enabled"
	KeyLogLevel             = "log_level"
	KeyLogFormat            = "log_format"
)

var validate = validator.New()

// NewViper returns a viper instance with defaults registered and environment
// lookup enabled
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every default from constants.go
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeyRequestTimeout, DefaultRequestTimeout.Seconds())
	v.SetDefault(KeyKeepAliveTimeout, DefaultKeepAliveTimeout.Seconds())
	v.SetDefault(KeyTolerableFailures, DefaultTolerableFailures)
	v.SetDefault(KeyImageSize, DefaultImageSize)
	v.SetDefault(KeyStepsNormal, DefaultStepsNormal)
	v.SetDefault(KeyStepsHighQuality, DefaultStepsHighQuality)
	v.SetDefault(KeyQueueDepth, DefaultQueueDepth)
	v.SetDefault(KeyMaxBatchSize, DefaultMaxBatchSize)
	v.SetDefault(KeyCountBackendFailures, DefaultCountBackendFailures)
	v.SetDefault(KeyBackend, DefaultBackend)
	v.SetDefault(KeyBackendURL, "")
	v.SetDefault(KeyModalApp, DefaultModalApp)
	v.SetDefault(KeyModalFunction, DefaultModalFunction)
	v.SetDefault(KeyModalEnvironment, "")
	v.SetDefault(KeyNoiseLatency, 0)
	v.SetDefault(KeyMonitorEnabled, DefaultMonitorEnabled)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment. Variables
// already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads an optional YAML config file into v and resolves the Config
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	requestTimeout, err := seconds(v, KeyRequestTimeout)
	if err != nil {
		return nil, err
	}
	keepAlive, err := seconds(v, KeyKeepAliveTimeout)
	if err != nil {
		return nil, err
	}
	noiseLatency, err := seconds(v, KeyNoiseLatency)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:           v.GetString(KeyListenAddr),
		RequestTimeout:       requestTimeout,
		KeepAliveTimeout:     keepAlive,
		TolerableFailures:    v.GetInt(KeyTolerableFailures),
		ImageSize:            v.GetInt(KeyImageSize),
		StepsNormal:          v.GetInt(KeyStepsNormal),
		StepsHighQuality:     v.GetInt(KeyStepsHighQuality),
		QueueDepth:           v.GetInt(KeyQueueDepth),
		MaxBatchSize:         v.GetInt(KeyMaxBatchSize),
		CountBackendFailures: v.GetBool(KeyCountBackendFailures),
		Backend: BackendConfig{
			Kind:             strings.ToLower(strings.TrimSpace(v.GetString(KeyBackend))),
			URL:              strings.TrimSpace(v.GetString(KeyBackendURL)),
			ModalApp:         v.GetString(KeyModalApp),
			ModalFunction:    v.GetString(KeyModalFunction),
			ModalEnvironment: v.GetString(KeyModalEnvironment),
			NoiseLatency:     noiseLatency,
		},
		MonitorEnabled: v.GetBool(KeyMonitorEnabled),
		LogLevel:       strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:      strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field backend requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Backend.Kind {
	case "http":
		if c.Backend.URL == "" {
			return fmt.Errorf("invalid config: %s is required for the http backend", KeyBackendURL)
		}
	case "modal":
		if c.Backend.ModalApp == "" || c.Backend.ModalFunction == "" {
			return fmt.Errorf("invalid config: %s and %s are required for the modal backend", KeyModalApp, KeyModalFunction)
		}
	}
	return nil
}

// seconds accepts either a plain number of seconds ("30", "0.5") or a Go
// duration string ("30s", "500ms")
func seconds(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want seconds or a duration", key, raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
