package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, settings Settings)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ArtifactDir != "artifacts" {
					t.Errorf("expected default ArtifactDir 'artifacts', got %s", settings.ArtifactDir)
				}
				if settings.ServerPort != 8080 {
					t.Errorf("expected default ServerPort 8080, got %d", settings.ServerPort)
				}
				if settings.MetricsPort != 0 {
					t.Errorf("expected default MetricsPort 0, got %d", settings.MetricsPort)
				}
				if settings.DecimalSeparator != "." {
					t.Errorf("expected default decimal separator '.', got %q", settings.DecimalSeparator)
				}
				if settings.EmptyColumnPolicy != "reject" {
					t.Errorf("expected default policy 'reject', got %s", settings.EmptyColumnPolicy)
				}
				if !settings.ManualDefaultZero {
					t.Error("expected ManualDefaultZero to default to true")
				}
				if settings.RequestTimeout != 10*time.Second {
					t.Errorf("expected default RequestTimeout 10s, got %v", settings.RequestTimeout)
				}
				if len(settings.ColumnAliases) != 6 {
					t.Errorf("expected 6 default alias entries, got %d", len(settings.ColumnAliases))
				}
			},
		},
		{
			name: "custom settings",
			envVars: map[string]string{
				"ARTIFACT_DIR":        "/models/current",
				"SERVER_PORT":         "9000",
				"METRICS_PORT":        "9090",
				"DECIMAL_SEPARATOR":   ",",
				"EMPTY_COLUMN_POLICY": "zero",
				"MANUAL_DEFAULT_ZERO": "false",
				"REQUEST_TIMEOUT":     "3s",
				"DRIFT_WINDOW":        "50",
				"DRIFT_THRESHOLD":     "1.5",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ArtifactDir != "/models/current" {
					t.Errorf("expected ArtifactDir '/models/current', got %s", settings.ArtifactDir)
				}
				if settings.ServerPort != 9000 {
					t.Errorf("expected ServerPort 9000, got %d", settings.ServerPort)
				}
				if settings.MetricsPort != 9090 {
					t.Errorf("expected MetricsPort 9090, got %d", settings.MetricsPort)
				}
				if settings.DecimalRune() != ',' {
					t.Errorf("expected decimal rune ',', got %q", settings.DecimalRune())
				}
				if settings.EmptyColumnPolicy != "zero" {
					t.Errorf("expected policy 'zero', got %s", settings.EmptyColumnPolicy)
				}
				if settings.ManualDefaultZero {
					t.Error("expected ManualDefaultZero to be false")
				}
				if settings.RequestTimeout != 3*time.Second {
					t.Errorf("expected RequestTimeout 3s, got %v", settings.RequestTimeout)
				}
				if settings.DriftWindow != 50 {
					t.Errorf("expected DriftWindow 50, got %d", settings.DriftWindow)
				}
				if settings.DriftThreshold != 1.5 {
					t.Errorf("expected DriftThreshold 1.5, got %f", settings.DriftThreshold)
				}
			},
		},
		{
			name:    "invalid decimal separator",
			envVars: map[string]string{"DECIMAL_SEPARATOR": ";"},
			wantErr: true,
		},
		{
			name:    "invalid empty column policy",
			envVars: map[string]string{"EMPTY_COLUMN_POLICY": "mean"},
			wantErr: true,
		},
		{
			name:    "privileged server port",
			envVars: map[string]string{"SERVER_PORT": "80"},
			wantErr: true,
		},
		{
			name:    "metrics port equals server port",
			envVars: map[string]string{"SERVER_PORT": "9000", "METRICS_PORT": "9000"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			settings, err := loadFromEnv()

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name         string
		yamlContent  string
		envOverrides map[string]string
		wantErr      bool
		validate     func(t *testing.T, settings Settings)
	}{
		{
			name: "valid YAML config",
			yamlContent: `
artifacts:
  dir: "/srv/artifacts"

input:
  decimalSeparator: ","
  emptyColumnPolicy: "zero"
  manualDefaultZero: false
  maxUploadBytes: 2048
  columnAliases:
    liquidity_ratio: ["Liquidity"]

drift:
  window: 100
  threshold: 3

system:
  dataPath: "/srv/data"
  serverPort: 9000
  metricsPort: 9091
  logLevel: "debug"
  requestTimeout: "2s"
`,
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ArtifactDir != "/srv/artifacts" {
					t.Errorf("expected ArtifactDir '/srv/artifacts', got %s", settings.ArtifactDir)
				}
				if settings.DataPath != "/srv/data" {
					t.Errorf("expected DataPath '/srv/data', got %s", settings.DataPath)
				}
				if settings.DecimalSeparator != "," {
					t.Errorf("expected decimal separator ',', got %q", settings.DecimalSeparator)
				}
				if settings.ManualDefaultZero {
					t.Error("expected ManualDefaultZero false from YAML")
				}
				if settings.MaxUploadBytes != 2048 {
					t.Errorf("expected MaxUploadBytes 2048, got %d", settings.MaxUploadBytes)
				}
				if settings.ServerPort != 9000 || settings.MetricsPort != 9091 {
					t.Errorf("unexpected ports %d/%d", settings.ServerPort, settings.MetricsPort)
				}
				if settings.RequestTimeout != 2*time.Second {
					t.Errorf("expected RequestTimeout 2s, got %v", settings.RequestTimeout)
				}
				if got := settings.ColumnAliases["liquidity_ratio"]; len(got) != 1 || got[0] != "Liquidity" {
					t.Errorf("expected YAML aliases to replace defaults, got %v", settings.ColumnAliases)
				}
			},
		},
		{
			name: "YAML with env overrides",
			yamlContent: `
artifacts:
  dir: "/srv/artifacts"
system:
  serverPort: 9000
`,
			envOverrides: map[string]string{
				"ARTIFACT_DIR": "/override",
				"SERVER_PORT":  "9500",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ArtifactDir != "/override" {
					t.Errorf("expected env override ArtifactDir '/override', got %s", settings.ArtifactDir)
				}
				if settings.ServerPort != 9500 {
					t.Errorf("expected env override ServerPort 9500, got %d", settings.ServerPort)
				}
				if settings.EmptyColumnPolicy != "reject" {
					t.Errorf("expected default policy, got %s", settings.EmptyColumnPolicy)
				}
			},
		},
		{
			name: "YAML with invalid policy",
			yamlContent: `
input:
  emptyColumnPolicy: "drop"
`,
			wantErr: true,
		},
		{
			name:        "invalid YAML",
			yamlContent: `invalid: yaml: content: [`,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			for key, value := range tt.envOverrides {
				t.Setenv(key, value)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.yamlContent), 0o644)
			if err != nil {
				t.Fatalf("failed to write test config file: %v", err)
			}

			settings, err := loadFromYAML(configPath)

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoad_UsesConfigFile(t *testing.T) {
	clearTestEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("artifacts:\n  dir: \"from-yaml\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", configPath)

	settings, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.ArtifactDir != "from-yaml" {
		t.Errorf("expected ArtifactDir 'from-yaml', got %s", settings.ArtifactDir)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

// clearTestEnv clears potentially conflicting environment variables
func clearTestEnv(t *testing.T) {
	envVars := []string{
		"CONFIG_FILE", "ARTIFACT_DIR", "DATA_PATH", "SERVER_PORT", "METRICS_PORT",
		"LOG_LEVEL", "DECIMAL_SEPARATOR", "EMPTY_COLUMN_POLICY", "MANUAL_DEFAULT_ZERO",
		"MAX_UPLOAD_BYTES", "REQUEST_TIMEOUT", "DRIFT_WINDOW", "DRIFT_THRESHOLD",
		"RATER_SERVER_URL",
	}

	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			t.Setenv(env, "")
		}
	}
}
