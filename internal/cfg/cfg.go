package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"credit-rater/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ArtifactDir       string
	DataPath          string
	ServerPort        int
	MetricsPort       int
	LogLevel          string
	DecimalSeparator  string
	EmptyColumnPolicy string
	ManualDefaultZero bool
	MaxUploadBytes    int64
	RequestTimeout    time.Duration
	DriftWindow       int
	DriftThreshold    float64
	ServerURL         string
	ColumnAliases     map[string][]string
}

type ConfigFile struct {
	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`

	Input struct {
		DecimalSeparator  string              `yaml:"decimalSeparator"`
		EmptyColumnPolicy string              `yaml:"emptyColumnPolicy"`
		ManualDefaultZero *bool               `yaml:"manualDefaultZero"`
		MaxUploadBytes    int64               `yaml:"maxUploadBytes"`
		ColumnAliases     map[string][]string `yaml:"columnAliases"`
	} `yaml:"input"`

	Drift struct {
		Window    int     `yaml:"window"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"drift"`

	System struct {
		DataPath       string `yaml:"dataPath"`
		ServerPort     int    `yaml:"serverPort"`
		MetricsPort    int    `yaml:"metricsPort"`
		LogLevel       string `yaml:"logLevel"`
		RequestTimeout string `yaml:"requestTimeout"`
		ServerURL      string `yaml:"serverURL"`
	} `yaml:"system"`
}

// DefaultColumnAliases maps canonical feature names to the column headers used by
// the spreadsheets the model was originally trained from.
func DefaultColumnAliases() map[string][]string {
	return map[string][]string{
		"liquidity_ratio":                 {"نسبة السيولة"},
		"financial_leverage":              {"الرافعة المالية"},
		"net_profit_margin":               {"صافي الربح"},
		"asset_turnover":                  {"معدل دوران الاصول"},
		"debt_to_equity_ratio":            {"نسبة الديون الى حقوق الملكية"},
		"debt_to_total_liabilities_ratio": {"الديون الى اجمالي الخصوم"},
	}
}

func Load() (Settings, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	requestTimeout, err := time.ParseDuration(config.System.RequestTimeout)
	if err != nil {
		requestTimeout, _ = time.ParseDuration(common.DefaultRequestTimeout)
	}

	manualDefaultZero := common.DefaultManualDefaultZero
	if config.Input.ManualDefaultZero != nil {
		manualDefaultZero = *config.Input.ManualDefaultZero
	}

	aliases := config.Input.ColumnAliases
	if aliases == nil {
		aliases = DefaultColumnAliases()
	}

	settings := Settings{
		ArtifactDir:       getEnvOrDefault(common.EnvArtifactDir, orString(config.Artifacts.Dir, common.DefaultArtifactDir)),
		DataPath:          getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		ServerPort:        getIntFromEnvOrConfig(common.EnvServerPort, config.System.ServerPort, common.DefaultServerPort),
		MetricsPort:       getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, orString(config.System.LogLevel, common.DefaultLogLevel)),
		DecimalSeparator:  getEnvOrDefault(common.EnvDecimalSeparator, orString(config.Input.DecimalSeparator, common.DefaultDecimalSeparator)),
		EmptyColumnPolicy: getEnvOrDefault(common.EnvEmptyColumnPolicy, orString(config.Input.EmptyColumnPolicy, common.DefaultEmptyColumnPolicy)),
		ManualDefaultZero: getBoolOrDefault(common.EnvManualDefaultZero, manualDefaultZero),
		MaxUploadBytes:    int64(getIntFromEnvOrConfig(common.EnvMaxUploadBytes, int(config.Input.MaxUploadBytes), common.DefaultMaxUploadBytes)),
		RequestTimeout:    getDurationOrDefault(common.EnvRequestTimeout, requestTimeout),
		DriftWindow:       getIntFromEnvOrConfig(common.EnvDriftWindow, config.Drift.Window, common.DefaultDriftWindow),
		DriftThreshold:    getFloatFromEnvOrConfig(common.EnvDriftThreshold, config.Drift.Threshold, common.DefaultDriftThreshold),
		ServerURL:         getEnvOrDefault(common.EnvServerURL, orString(config.System.ServerURL, common.DefaultServerURL)),
		ColumnAliases:     aliases,
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	defaultTimeout, _ := time.ParseDuration(common.DefaultRequestTimeout)

	settings := Settings{
		ArtifactDir:       getEnvOrDefault(common.EnvArtifactDir, common.DefaultArtifactDir),
		DataPath:          os.Getenv(common.EnvDataPath), // optional
		ServerPort:        getIntOrDefault(common.EnvServerPort, common.DefaultServerPort),
		MetricsPort:       getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		DecimalSeparator:  getEnvOrDefault(common.EnvDecimalSeparator, common.DefaultDecimalSeparator),
		EmptyColumnPolicy: getEnvOrDefault(common.EnvEmptyColumnPolicy, common.DefaultEmptyColumnPolicy),
		ManualDefaultZero: getBoolOrDefault(common.EnvManualDefaultZero, common.DefaultManualDefaultZero),
		MaxUploadBytes:    int64(getIntOrDefault(common.EnvMaxUploadBytes, common.DefaultMaxUploadBytes)),
		RequestTimeout:    getDurationOrDefault(common.EnvRequestTimeout, defaultTimeout),
		DriftWindow:       getIntOrDefault(common.EnvDriftWindow, common.DefaultDriftWindow),
		DriftThreshold:    getFloatOrDefault(common.EnvDriftThreshold, common.DefaultDriftThreshold),
		ServerURL:         getEnvOrDefault(common.EnvServerURL, common.DefaultServerURL),
		ColumnAliases:     DefaultColumnAliases(),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// DecimalRune returns the configured decimal separator as a rune.
func (s *Settings) DecimalRune() rune {
	if s.DecimalSeparator == "," {
		return ','
	}
	return '.'
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if strings.TrimSpace(settings.ArtifactDir) == "" {
		return fmt.Errorf(common.ErrMsgArtifactDirRequired)
	}

	if settings.ServerPort < common.MinServerPort || settings.ServerPort > common.MaxServerPort {
		return fmt.Errorf("server port must be between %d and %d, got %d",
			common.MinServerPort, common.MaxServerPort, settings.ServerPort)
	}
	// 0 keeps /metrics on the API listener
	if settings.MetricsPort != 0 {
		if settings.MetricsPort < common.MinServerPort || settings.MetricsPort > common.MaxServerPort {
			return fmt.Errorf("metrics port must be 0 or between %d and %d, got %d",
				common.MinServerPort, common.MaxServerPort, settings.MetricsPort)
		}
		if settings.MetricsPort == settings.ServerPort {
			return fmt.Errorf("metrics port must differ from server port %d", settings.ServerPort)
		}
	}

	if settings.DecimalSeparator != "." && settings.DecimalSeparator != "," {
		return fmt.Errorf("%s, got %q", common.ErrMsgInvalidSeparator, settings.DecimalSeparator)
	}
	if settings.EmptyColumnPolicy != common.EmptyColumnReject && settings.EmptyColumnPolicy != common.EmptyColumnZero {
		return fmt.Errorf("%s, got %q", common.ErrMsgInvalidPolicy, settings.EmptyColumnPolicy)
	}

	if settings.MaxUploadBytes < common.MinUploadBytes || settings.MaxUploadBytes > common.MaxUploadBytes {
		return fmt.Errorf("max upload bytes must be between %d and %d, got %d",
			common.MinUploadBytes, common.MaxUploadBytes, settings.MaxUploadBytes)
	}
	if settings.RequestTimeout < 100*time.Millisecond || settings.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request timeout must be between 100ms and 5m, got %v", settings.RequestTimeout)
	}

	if settings.DriftWindow < common.MinDriftWindow || settings.DriftWindow > common.MaxDriftWindow {
		return fmt.Errorf("drift window must be between %d and %d, got %d",
			common.MinDriftWindow, common.MaxDriftWindow, settings.DriftWindow)
	}
	if settings.DriftThreshold <= 0 || settings.DriftThreshold > common.MaxDriftThreshold {
		return fmt.Errorf("drift threshold must be between 0 and %.0f standard deviations, got %f",
			common.MaxDriftThreshold, settings.DriftThreshold)
	}

	switch strings.ToLower(settings.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of trace, debug, info, warn, error, got %q", settings.LogLevel)
	}

	for name, aliases := range settings.ColumnAliases {
		for _, a := range aliases {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("column %s: alias cannot be empty", name)
			}
		}
	}

	return nil
}
