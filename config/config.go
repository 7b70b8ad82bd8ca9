// Package config loads auditd settings from defaults, an optional yaml file,
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/frankonly/auditchain/log"
)

// Name is the base name of the config file searched in "." and "configs"
const Name = "auditd"

type StorageConfig struct {
	Dir    string
	Memory bool
}

type GRPCConfig struct {
	Port     int
	TLS      bool
	CertFile string
	KeyFile  string
}

type HTTPConfig struct {
	Port int
	// MaxFileSize is the upload cap in MiB
	MaxFileSize     int64
	RateLimit       int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type ValidationConfig struct {
	ClockSkewTolerance time.Duration
	Timeout            time.Duration
}

type Config struct {
	Environment string
	Storage     StorageConfig
	GRPC        GRPCConfig
	HTTP        HTTPConfig
	Validation  ValidationConfig
	Log         log.Config
}

// MaxUploadBytes returns the upload cap in bytes
func (c HTTPConfig) MaxUploadBytes() int64 {
	return c.MaxFileSize << 20
}

// flagKeys maps auditd flags to config keys
var flagKeys = map[string]string{
	"db-dir":    "storage.dir",
	"memory":    "storage.memory",
	"grpc-port": "grpc.port",
	"http-port": "http.port",
	"tls":       "grpc.tls",
	"cert-file": "grpc.cert_file",
	"key-file":  "grpc.key_file",
	"log-level": "log.level",
}

// envAliases are the environment names the service has always honoured
var envAliases = map[string]string{
	"http.port":          "PORT",
	"http.max_file_size": "MAX_FILE_SIZE",
	"http.rate_limit":    "RATE_LIMIT",
	"environment":        "ENVIRONMENT",
}

// New returns a viper instance with defaults and environment bindings set
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName(Name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("storage.dir", "data/chain")
	v.SetDefault("storage.memory", false)
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.tls", false)
	v.SetDefault("grpc.cert_file", "certs/server.crt")
	v.SetDefault("grpc.key_file", "certs/server.key")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.max_file_size", 10)
	v.SetDefault("http.rate_limit", 5)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("validation.clock_skew_tolerance", "0s")
	v.SetDefault("validation.timeout", "0s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})
	v.SetDefault("log.development", false)

	for key, env := range envAliases {
		upper := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		// BindEnv only fails without a key
		_ = v.BindEnv(key, upper, env)
	}

	return v
}

// BindFlags lets the auditd flags present in flags override config keys
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}

// Read loads file, or searches for the default config file when file is
// empty. A missing default file is not an error. It reports whether a file
// was read.
func Read(v *viper.Viper, file string) (bool, error) {
	if file != "" {
		v.SetConfigFile(file)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("read config: %w", err)
	}

	return true, nil
}

// Load decodes and validates the settings held by v. Relative paths are
// resolved against the directory of the config file in use.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Environment: v.GetString("environment"),
		Storage: StorageConfig{
			Dir:    v.GetString("storage.dir"),
			Memory: v.GetBool("storage.memory"),
		},
		GRPC: GRPCConfig{
			Port:     v.GetInt("grpc.port"),
			TLS:      v.GetBool("grpc.tls"),
			CertFile: v.GetString("grpc.cert_file"),
			KeyFile:  v.GetString("grpc.key_file"),
		},
		HTTP: HTTPConfig{
			Port:            v.GetInt("http.port"),
			MaxFileSize:     v.GetInt64("http.max_file_size"),
			RateLimit:       v.GetInt("http.rate_limit"),
			CORSOrigins:     v.GetStringSlice("http.cors_origins"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Validation: ValidationConfig{
			ClockSkewTolerance: v.GetDuration("validation.clock_skew_tolerance"),
			Timeout:            v.GetDuration("validation.timeout"),
		},
		Log: log.Config{
			Level:       v.GetString("log.level"),
			Encoding:    v.GetString("log.encoding"),
			OutputPaths: v.GetStringSlice("log.output_paths"),
			Development: v.GetBool("log.development"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	base := "."
	if used := v.ConfigFileUsed(); used != "" {
		base = filepath.Dir(used)
	}
	cfg.Storage.Dir = Path(base, cfg.Storage.Dir)
	cfg.GRPC.CertFile = Path(base, cfg.GRPC.CertFile)
	cfg.GRPC.KeyFile = Path(base, cfg.GRPC.KeyFile)

	return cfg, nil
}

func (c Config) validate() error {
	var errs []error

	if !validPort(c.GRPC.Port) {
		errs = append(errs, fmt.Errorf("grpc.port %d out of range", c.GRPC.Port))
	}
	if !validPort(c.HTTP.Port) {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.GRPC.Port == c.HTTP.Port {
		errs = append(errs, fmt.Errorf("grpc.port and http.port are both %d", c.HTTP.Port))
	}
	if c.HTTP.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("http.max_file_size must be positive, got %d", c.HTTP.MaxFileSize))
	}
	if c.HTTP.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("http.rate_limit must be positive, got %d", c.HTTP.RateLimit))
	}
	if c.Validation.ClockSkewTolerance < 0 || c.Validation.Timeout < 0 {
		errs = append(errs, errors.New("validation durations must not be negative"))
	}
	if !c.Storage.Memory && c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir is required unless storage.memory is set"))
	}
	if c.GRPC.TLS && (c.GRPC.CertFile == "" || c.GRPC.KeyFile == "") {
		errs = append(errs, errors.New("grpc.tls needs grpc.cert_file and grpc.key_file"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 1<<16
}

// Path returns rel resolved against base. If rel is already absolute, it is
// returned unmodified.
func Path(base, rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}

	return filepath.Join(base, rel)
}
