// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on it rather than on *Config so tests can hand in fixtures.
type Interface interface {
	Logger() LoggerConfig
	Device() DeviceConfig
	Vision() VisionConfig
	Loop() LoopConfig
	Executor() ExecutorConfig
	Quest() QuestConfig
	Finder() FinderConfig
	Recovery() RecoveryConfig
	Reasoning() ReasoningConfig
	State() StateConfig
	Store() StoreConfig
	Profile() ProfileConfig

	SetDeviceSerial(string)
	SetLoopMaxIterations(int)
	SetReasoningEnabled(bool)
}

// Config holds the entire application configuration. Sections are exported so
// viper can decode into them; callers go through the getters.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DeviceCfg    DeviceConfig    `mapstructure:"device" yaml:"device"`
	VisionCfg    VisionConfig    `mapstructure:"vision" yaml:"vision"`
	LoopCfg      LoopConfig      `mapstructure:"loop" yaml:"loop"`
	ExecutorCfg  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	QuestCfg     QuestConfig     `mapstructure:"quest" yaml:"quest"`
	FinderCfg    FinderConfig    `mapstructure:"finder" yaml:"finder"`
	RecoveryCfg  RecoveryConfig  `mapstructure:"recovery" yaml:"recovery"`
	ReasoningCfg ReasoningConfig `mapstructure:"reasoning" yaml:"reasoning"`
	StateCfg     StateConfig     `mapstructure:"state" yaml:"state"`
	StoreCfg     StoreConfig     `mapstructure:"store" yaml:"store"`
	ProfileCfg   ProfileConfig   `mapstructure:"profile" yaml:"profile"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Device() DeviceConfig       { return c.DeviceCfg }
func (c *Config) Vision() VisionConfig       { return c.VisionCfg }
func (c *Config) Loop() LoopConfig           { return c.LoopCfg }
func (c *Config) Executor() ExecutorConfig   { return c.ExecutorCfg }
func (c *Config) Quest() QuestConfig         { return c.QuestCfg }
func (c *Config) Finder() FinderConfig       { return c.FinderCfg }
func (c *Config) Recovery() RecoveryConfig   { return c.RecoveryCfg }
func (c *Config) Reasoning() ReasoningConfig { return c.ReasoningCfg }
func (c *Config) State() StateConfig         { return c.StateCfg }
func (c *Config) Store() StoreConfig         { return c.StoreCfg }
func (c *Config) Profile() ProfileConfig     { return c.ProfileCfg }

// --- Interface Method Implementations (Setters) ---

// CLI flags override file values through these.
func (c *Config) SetDeviceSerial(s string)   { c.DeviceCfg.Serial = s }
func (c *Config) SetLoopMaxIterations(n int) { c.LoopCfg.MaxIterations = n }
func (c *Config) SetReasoningEnabled(b bool) { c.ReasoningCfg.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal color names.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DeviceConfig describes how to reach the touchscreen device.
type DeviceConfig struct {
	Serial         string        `mapstructure:"serial" yaml:"serial"`
	ADBPath        string        `mapstructure:"adb_path" yaml:"adb_path"`
	Package        string        `mapstructure:"package" yaml:"package"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// VisionConfig points at the template-matching / OCR sidecar.
type VisionConfig struct {
	Endpoint           string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheSize          int           `mapstructure:"cache_size" yaml:"cache_size"`
	DecisiveConfidence float64       `mapstructure:"decisive_confidence" yaml:"decisive_confidence"`
}

// LoopConfig tunes the main observe-decide-act loop.
type LoopConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxFaults       int           `mapstructure:"max_faults" yaml:"max_faults"`
	// FaultWindow is how many recent iterations MaxFaults is counted over.
	FaultWindow     int           `mapstructure:"fault_window" yaml:"fault_window"`
	ConsultCooldown time.Duration `mapstructure:"consult_cooldown" yaml:"consult_cooldown"`
	// MaxIterations of zero runs until the context is cancelled.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// ExecutorConfig tunes action execution and verification.
type ExecutorConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	DefaultDelay    time.Duration `mapstructure:"default_delay" yaml:"default_delay"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	WaitTextTimeout time.Duration `mapstructure:"wait_text_timeout" yaml:"wait_text_timeout"`
	Verify          bool          `mapstructure:"verify" yaml:"verify"`
}

// QuestConfig holds the workflow budgets.
type QuestConfig struct {
	AutoStart                 bool          `mapstructure:"auto_start" yaml:"auto_start"`
	ExecuteMax                int           `mapstructure:"execute_max" yaml:"execute_max"`
	CheckMax                  int           `mapstructure:"check_max" yaml:"check_max"`
	VerifyMax                 int           `mapstructure:"verify_max" yaml:"verify_max"`
	ButtonExhaustionThreshold int           `mapstructure:"button_exhaustion_threshold" yaml:"button_exhaustion_threshold"`
	AbortCooldown             time.Duration `mapstructure:"abort_cooldown" yaml:"abort_cooldown"`
	PointerConfidence         float64       `mapstructure:"pointer_confidence" yaml:"pointer_confidence"`
	RapidTapCount             int           `mapstructure:"rapid_tap_count" yaml:"rapid_tap_count"`
}

// FinderConfig describes the reveal-while-held gesture and the virtual map.
type FinderConfig struct {
	ReferenceBuilding string        `mapstructure:"reference_building" yaml:"reference_building"`
	PixelsPerUnit     int           `mapstructure:"pixels_per_unit" yaml:"pixels_per_unit"`
	HoldX             int           `mapstructure:"hold_x" yaml:"hold_x"`
	HoldY             int           `mapstructure:"hold_y" yaml:"hold_y"`
	HoldDuration      time.Duration `mapstructure:"hold_duration" yaml:"hold_duration"`
	CaptureDelay      time.Duration `mapstructure:"capture_delay" yaml:"capture_delay"`
	DragOffset        int           `mapstructure:"drag_offset" yaml:"drag_offset"`
	TapOffsetX        int           `mapstructure:"tap_offset_x" yaml:"tap_offset_x"`
	TapOffsetY        int           `mapstructure:"tap_offset_y" yaml:"tap_offset_y"`
	SafeZone          []int         `mapstructure:"safe_zone" yaml:"safe_zone"`
	ScrollBounds      []int         `mapstructure:"scroll_bounds" yaml:"scroll_bounds"`
	ScrollStep        int           `mapstructure:"scroll_step" yaml:"scroll_step"`
	ScrollDuration    time.Duration `mapstructure:"scroll_duration" yaml:"scroll_duration"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ArrivalTolerance  int           `mapstructure:"arrival_tolerance" yaml:"arrival_tolerance"`
	ScreenCenterX     int           `mapstructure:"screen_center_x" yaml:"screen_center_x"`
	ScreenCenterY     int           `mapstructure:"screen_center_y" yaml:"screen_center_y"`
	LayoutFile        string        `mapstructure:"layout_file" yaml:"layout_file"`
}

// RecoveryConfig tunes stuck detection.
type RecoveryConfig struct {
	MaxSameScene int `mapstructure:"max_same_scene" yaml:"max_same_scene"`
}

// ReasoningConfig configures the external reasoning model.
type ReasoningConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
}

// StateConfig locates the persisted snapshot and task queue.
type StateConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`
	TasksPath string `mapstructure:"tasks_path" yaml:"tasks_path"`
}

// StoreConfig enables the optional Postgres action journal.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// ProfileConfig locates the game profile.
type ProfileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "questpilot")
	v.SetDefault("logger.log_file", "questpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Device --
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.command_timeout", "15s")

	// -- Vision --
	v.SetDefault("vision.endpoint", "http://127.0.0.1:8765")
	v.SetDefault("vision.timeout", "10s")
	v.SetDefault("vision.cache_size", 64)
	v.SetDefault("vision.decisive_confidence", 0.8)

	// -- Loop --
	v.SetDefault("loop.interval", "2s")
	v.SetDefault("loop.max_faults", 5)
	v.SetDefault("loop.fault_window", 20)
	v.SetDefault("loop.consult_cooldown", "60s")
	v.SetDefault("loop.max_iterations", 0)

	// -- Executor --
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.retry_backoff", "500ms")
	v.SetDefault("executor.default_delay", "500ms")
	v.SetDefault("executor.settle_delay", "1s")
	v.SetDefault("executor.wait_text_timeout", "10s")
	v.SetDefault("executor.verify", true)

	// -- Quest --
	v.SetDefault("quest.auto_start", true)
	v.SetDefault("quest.execute_max", 40)
	v.SetDefault("quest.check_max", 3)
	v.SetDefault("quest.verify_max", 3)
	v.SetDefault("quest.button_exhaustion_threshold", 2)
	v.SetDefault("quest.abort_cooldown", "5m")
	v.SetDefault("quest.pointer_confidence", 0.95)
	v.SetDefault("quest.rapid_tap_count", 15)

	// -- Finder --
	v.SetDefault("finder.reference_building", "城堡")
	v.SetDefault("finder.pixels_per_unit", 400)
	v.SetDefault("finder.hold_x", 540)
	v.SetDefault("finder.hold_y", 960)
	v.SetDefault("finder.hold_duration", "3s")
	v.SetDefault("finder.capture_delay", "1400ms")
	v.SetDefault("finder.drag_offset", 150)
	v.SetDefault("finder.tap_offset_x", 150)
	v.SetDefault("finder.tap_offset_y", 150)
	v.SetDefault("finder.safe_zone", []int{100, 200, 900, 1500})
	v.SetDefault("finder.scroll_bounds", []int{100, 300, 980, 1600})
	v.SetDefault("finder.scroll_step", 400)
	v.SetDefault("finder.scroll_duration", "400ms")
	v.SetDefault("finder.join_timeout", "5s")
	v.SetDefault("finder.max_attempts", 5)
	v.SetDefault("finder.arrival_tolerance", 50)
	v.SetDefault("finder.screen_center_x", 540)
	v.SetDefault("finder.screen_center_y", 960)

	// -- Recovery --
	v.SetDefault("recovery.max_same_scene", 10)

	// -- Reasoning --
	v.SetDefault("reasoning.enabled", false)
	v.SetDefault("reasoning.provider", "gemini")
	v.SetDefault("reasoning.model", "gemini-2.5-flash")
	v.SetDefault("reasoning.api_timeout", "60s")
	v.SetDefault("reasoning.temperature", 0.2)
	v.SetDefault("reasoning.max_tokens", 2048)
	v.SetDefault("reasoning.rate_limit", 0.2)
	v.SetDefault("reasoning.burst", 1)

	// -- State --
	v.SetDefault("state.path", "~/.questpilot/state.json")
	v.SetDefault("state.tasks_path", "~/.questpilot/tasks.json")

	// -- Store --
	v.SetDefault("store.enabled", false)

	// -- Profile --
	v.SetDefault("profile.path", "game.yaml")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment, never the config file.
	_ = v.BindEnv("reasoning.api_key", "QUESTPILOT_REASONING_API_KEY")
	_ = v.BindEnv("store.url", "QUESTPILOT_STORE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.ReasoningCfg.Enabled && cfg.ReasoningCfg.APIKey == "" {
		cfg.ReasoningCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.LoggerCfg.LogFile,
		&c.StateCfg.Path,
		&c.StateCfg.TasksPath,
		&c.ProfileCfg.Path,
		&c.FinderCfg.LayoutFile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.LoopCfg.Interval <= 0 {
		return fmt.Errorf("loop.interval must be a positive duration")
	}
	if c.LoopCfg.MaxFaults <= 0 {
		return fmt.Errorf("loop.max_faults must be a positive integer")
	}
	if c.LoopCfg.FaultWindow < c.LoopCfg.MaxFaults {
		return fmt.Errorf("loop.fault_window (%d) must be at least loop.max_faults (%d)", c.LoopCfg.FaultWindow, c.LoopCfg.MaxFaults)
	}
	if c.ExecutorCfg.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries cannot be negative")
	}
	if c.RecoveryCfg.MaxSameScene <= 0 {
		return fmt.Errorf("recovery.max_same_scene must be a positive integer")
	}
	if err := c.QuestCfg.Validate(); err != nil {
		return fmt.Errorf("quest configuration invalid: %w", err)
	}
	if err := c.FinderCfg.Validate(); err != nil {
		return fmt.Errorf("finder configuration invalid: %w", err)
	}
	if err := c.ReasoningCfg.Validate(); err != nil {
		return fmt.Errorf("reasoning configuration invalid: %w", err)
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the quest budgets.
func (q *QuestConfig) Validate() error {
	if q.ExecuteMax <= 0 || q.CheckMax <= 0 || q.VerifyMax <= 0 {
		return fmt.Errorf("execute_max, check_max and verify_max must be positive")
	}
	if q.ButtonExhaustionThreshold <= 0 {
		return fmt.Errorf("button_exhaustion_threshold must be positive")
	}
	if q.PointerConfidence < 0.0 || q.PointerConfidence > 1.0 {
		return fmt.Errorf("pointer_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the finder geometry.
func (f *FinderConfig) Validate() error {
	if f.PixelsPerUnit <= 0 {
		return fmt.Errorf("pixels_per_unit must be positive")
	}
	if f.HoldDuration <= 0 {
		return fmt.Errorf("hold_duration must be a positive duration")
	}
	if f.CaptureDelay < 0 || f.CaptureDelay >= f.HoldDuration {
		return fmt.Errorf("capture_delay must be shorter than hold_duration")
	}
	if len(f.SafeZone) != 4 {
		return fmt.Errorf("safe_zone must have exactly 4 values")
	}
	if len(f.ScrollBounds) != 4 {
		return fmt.Errorf("scroll_bounds must have exactly 4 values")
	}
	if f.ScrollStep <= 0 {
		return fmt.Errorf("scroll_step must be positive")
	}
	return nil
}

// Validate checks the reasoning settings.
func (r *ReasoningConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Model == "" {
		return fmt.Errorf("model is required when reasoning is enabled")
	}
	if r.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive")
	}
	if r.APIKey == "" {
		return fmt.Errorf("API key is required but not found. Ensure QUESTPILOT_REASONING_API_KEY is set")
	}
	return nil
}

// Validate checks the journal settings.
func (s *StoreConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.URL == "" {
		return fmt.Errorf("store.url is required when the store is enabled. Ensure QUESTPILOT_STORE_URL is set")
	}
	return nil
}
