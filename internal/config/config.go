package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required,listen_addr"`
	MetricsPath string `yaml:"metrics_path" validate:"required,startswith=/"`
	ServiceName string `yaml:"service_name" validate:"required"`
	// InstanceID distinguishes replicas of the same service in log output.
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal panic disabled"`

	GoCollector        bool `yaml:"go_collector"`
	ProcessCollector   bool `yaml:"process_collector"`
	BuildInfoCollector bool `yaml:"build_info_collector"`
	OTelGlobal         bool `yaml:"otel_global"`
	OTelTargetInfo     bool `yaml:"otel_target_info"`

	// DatabaseURL enables pgx pool statistics when set.
	DatabaseURL string `yaml:"database_url"`

	TLSCert     string `yaml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey      string `yaml:"tls_key" validate:"required_with=TLSCert"`
	TLSClientCA string `yaml:"tls_client_ca" validate:"excluded_without=TLSCert"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

var validate = validator.New()

func init() {
	validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 0 && n <= 65535
	})
}

func defaults() *Config {
	return &Config{
		ListenAddr:         "0.0.0.0:9090",
		MetricsPath:        "/metrics",
		ServiceName:        "metrics-exporter",
		LogLevel:           "info",
		GoCollector:        true,
		ProcessCollector:   true,
		BuildInfoCollector: true,
		OTelGlobal:         true,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// METRICS_CONFIG_FILE, and the environment, in increasing precedence. A .env
// file in the working directory fills variables that are not already set.
func Load() (*Config, error) {
	if err := loadEnvFiles(".env"); err != nil {
		return nil, err
	}

	cfg := defaults()

	if path := getEnv("METRICS_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getEnv("METRICS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsPath = getEnv("METRICS_PATH", cfg.MetricsPath)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.InstanceID = getEnv("INSTANCE_ID", cfg.InstanceID)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.TLSCert = getEnv("METRICS_TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = getEnv("METRICS_TLS_KEY", cfg.TLSKey)
	cfg.TLSClientCA = getEnv("METRICS_TLS_CLIENT_CA", cfg.TLSClientCA)

	var errs []error
	for key, dst := range map[string]*bool{
		"METRICS_GO_COLLECTOR":         &cfg.GoCollector,
		"METRICS_PROCESS_COLLECTOR":    &cfg.ProcessCollector,
		"METRICS_BUILD_INFO_COLLECTOR": &cfg.BuildInfoCollector,
		"METRICS_OTEL_GLOBAL":          &cfg.OTelGlobal,
		"METRICS_OTEL_TARGET_INFO":     &cfg.OTelTargetInfo,
	} {
		if err := getBool(key, dst); err != nil {
			errs = append(errs, err)
		}
	}
	if err := getDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every invalid field in a single error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var invalid []string
	for _, fe := range verrs {
		invalid = append(invalid, fmt.Sprintf("%s (%s)", envKeys[fe.Field()], fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
}

var envKeys = map[string]string{
	"ListenAddr":      "METRICS_LISTEN_ADDR",
	"MetricsPath":     "METRICS_PATH",
	"ServiceName":     "SERVICE_NAME",
	"LogLevel":        "LOG_LEVEL",
	"TLSCert":         "METRICS_TLS_CERT",
	"TLSKey":          "METRICS_TLS_KEY",
	"TLSClientCA":     "METRICS_TLS_CLIENT_CA",
	"ShutdownTimeout": "SHUTDOWN_TIMEOUT",
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadEnvFiles(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func getDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}
