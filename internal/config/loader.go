// Package config loads audioq configuration.
//
// Precedence, highest first: runtime overrides passed to Load, AUDIOQ_*
// environment variables, the audioq.yaml config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/audioq/pkg/artifacts"
)

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the audioq binary.
var DefaultIdentity = AppIdentity{
	BinaryName: "audioq",
	EnvPrefix:  "AUDIOQ",
	ConfigName: "audioq",
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sidecar   SidecarConfig   `mapstructure:"sidecar"`
	Shim      ShimConfig      `mapstructure:"shim"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// QueueConfig configures the durable queue.
type QueueConfig struct {
	// Path defaults to <app data dir>/queue/queue.json.
	Path         string        `mapstructure:"path"`
	PumpInterval time.Duration `mapstructure:"pump_interval"`
}

// EngineConfig describes the local engine installation.
type EngineConfig struct {
	Interpreter string   `mapstructure:"interpreter"`
	Script      string   `mapstructure:"script"`
	ProjectDir  string   `mapstructure:"project_dir"`
	ConfigDir   string   `mapstructure:"config_dir"`
	Env         []string `mapstructure:"env"`

	Backend            string `mapstructure:"backend"`
	LogLevel           string `mapstructure:"log_level"`
	Device             string `mapstructure:"device"`
	MainModel          string `mapstructure:"main_model"`
	UseFlashAttention  bool   `mapstructure:"use_flash_attention"`
	OffloadToCPU       bool   `mapstructure:"offload_to_cpu"`
	OffloadDiTToCPU    bool   `mapstructure:"offload_dit_to_cpu"`
	EnableLM           bool   `mapstructure:"enable_lm"`
	LMEnhanceCaption   bool   `mapstructure:"lm_enhance_caption"`
	LMParallelThinking bool   `mapstructure:"lm_parallel_thinking"`
}

// Sidecar launch modes.
const (
	SidecarModeEngine = "engine"
	SidecarModeShim   = "shim"
)

// SidecarConfig configures the resident service and the API runner.
type SidecarConfig struct {
	// Mode is "engine" (run Entry with the engine interpreter) or "shim"
	// (run this binary's shim command).
	Mode      string `mapstructure:"mode"`
	Entry     string `mapstructure:"entry"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AutoStart bool   `mapstructure:"auto_start"`

	ProbePath    string        `mapstructure:"probe_path"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`

	SubmitPath     string        `mapstructure:"submit_path"`
	QueryPath      string        `mapstructure:"query_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
}

// ShimConfig configures the built-in headless service.
type ShimConfig struct {
	WorkDir    string `mapstructure:"work_dir"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// NATSConfig enables NATS intake and event fan-out when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubmitSubject string `mapstructure:"submit_subject"`
	EventsSubject string `mapstructure:"events_subject"`
}

// ArtifactsConfig enables publishing finished outputs.
type ArtifactsConfig struct {
	S3         artifacts.S3Config `mapstructure:"s3"`
	NATSBucket string             `mapstructure:"nats_bucket"`
	NATSPrefix string             `mapstructure:"nats_prefix"`
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetConfigFile pins an explicit config file for subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Each overrides map is applied on top of
// everything else, later maps winning.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigType("yaml")
		v.SetConfigName(appIdentity.ConfigName)
		v.AddConfigPath(".")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived(appIdentity.ConfigName)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the active identity, or nil before the first Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("health.enabled", true)

	v.SetDefault("queue.pump_interval", "750ms")

	v.SetDefault("engine.interpreter", "python3")
	v.SetDefault("engine.script", "cli.py")
	v.SetDefault("engine.backend", "vllm")
	v.SetDefault("engine.log_level", "INFO")
	v.SetDefault("engine.device", "auto")

	v.SetDefault("sidecar.mode", SidecarModeEngine)
	v.SetDefault("sidecar.entry", "acestep/api_server.py")
	v.SetDefault("sidecar.host", "127.0.0.1")
	v.SetDefault("sidecar.port", 8001)
	v.SetDefault("sidecar.auto_start", true)
	v.SetDefault("sidecar.probe_path", "/openapi.json")
	v.SetDefault("sidecar.ready_timeout", "180s")
	v.SetDefault("sidecar.grace_period", "5s")
	v.SetDefault("sidecar.submit_path", "/release_task")
	v.SetDefault("sidecar.query_path", "/query_result")
	v.SetDefault("sidecar.request_timeout", "60s")
	v.SetDefault("sidecar.poll_interval", "800ms")
	v.SetDefault("sidecar.task_timeout", "3600s")

	v.SetDefault("shim.queue_depth", 64)

	v.SetDefault("nats.submit_subject", "audioq.jobs.submit")
	v.SetDefault("nats.events_subject", "audioq.events")
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sidecar.Port <= 0 || c.Sidecar.Port > 65535 {
		return fmt.Errorf("sidecar.port out of range: %d", c.Sidecar.Port)
	}
	switch c.Sidecar.Mode {
	case SidecarModeEngine, SidecarModeShim:
	default:
		return fmt.Errorf("sidecar.mode must be %q or %q, got %q", SidecarModeEngine, SidecarModeShim, c.Sidecar.Mode)
	}
	if c.Queue.PumpInterval <= 0 {
		return fmt.Errorf("queue.pump_interval must be positive")
	}
	if c.Artifacts.S3.Bucket != "" {
		if err := c.Artifacts.S3.Validate(); err != nil {
			return fmt.Errorf("artifacts.s3: %w", err)
		}
	}
	return nil
}

// applyDerived fills paths that depend on the data directory.
func (c *Config) applyDerived(configName string) {
	if c.Queue.Path == "" || c.Shim.WorkDir == "" {
		dataDir := gfconfig.GetAppDataDir(configName)
		if c.Queue.Path == "" {
			c.Queue.Path = filepath.Join(dataDir, "queue", "queue.json")
		}
		if c.Shim.WorkDir == "" {
			c.Shim.WorkDir = filepath.Join(dataDir, "shim")
		}
	}
}

func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, appIdentity.ConfigName)}
}

// getEnvSpecs lists the short variable names that do not follow the
// PREFIX_SECTION_KEY pattern handled by AutomaticEnv.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "QUEUE_PATH", Path: "queue.path"},
		{Name: p + "PYTHON", Path: "engine.interpreter"},
		{Name: p + "ENGINE_DIR", Path: "engine.project_dir"},
		{Name: p + "NATS_URL", Path: "nats.url"},
		{Name: p + "S3_BUCKET", Path: "artifacts.s3.bucket"},
		{Name: p + "S3_ENDPOINT", Path: "artifacts.s3.endpoint"},
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
