package common

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvArtifactDir       = "ARTIFACT_DIR"
	EnvDataPath          = "DATA_PATH"
	EnvServerPort        = "SERVER_PORT"
	EnvMetricsPort       = "METRICS_PORT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvDecimalSeparator  = "DECIMAL_SEPARATOR"
	EnvEmptyColumnPolicy = "EMPTY_COLUMN_POLICY"
	EnvManualDefaultZero = "MANUAL_DEFAULT_ZERO"
	EnvMaxUploadBytes    = "MAX_UPLOAD_BYTES"
	EnvRequestTimeout    = "REQUEST_TIMEOUT"
	EnvDriftWindow       = "DRIFT_WINDOW"
	EnvDriftThreshold    = "DRIFT_THRESHOLD"
	EnvServerURL         = "RATER_SERVER_URL"
)

// Configuration defaults
const (
	DefaultArtifactDir       = "artifacts"
	DefaultServerPort        = 8080
	DefaultMetricsPort       = 0 // serve /metrics on the API port
	DefaultLogLevel          = "info"
	DefaultDecimalSeparator  = "."
	DefaultEmptyColumnPolicy = "reject"
	DefaultManualDefaultZero = true
	DefaultMaxUploadBytes    = 10 << 20 // 10 MiB
	DefaultRequestTimeout    = "10s"
	DefaultDriftWindow       = 500
	DefaultDriftThreshold    = 2.0 // std devs of the training distribution
	DefaultServerURL         = "http://localhost:8080"
	DefaultLabelColumn       = "rating"
)

// Empty column policies
const (
	EmptyColumnReject = "reject"
	EmptyColumnZero   = "zero"
)

// Artifact logical names
const (
	ArtifactModel           = "model"
	ArtifactFeatureSelector = "feature_selector"
	ArtifactFeatureScaler   = "feature_scaler"
	ArtifactLabelEncoder    = "label_encoder"
	ArtifactMetadata        = "model_metadata"
	ArtifactVersionsFile    = "model_versions.json"
)

// Common error messages
const (
	ErrMsgArtifactDirRequired = "artifact directory is required"
	ErrMsgInvalidSeparator    = "decimal separator must be '.' or ','"
	ErrMsgInvalidPolicy       = "empty column policy must be 'reject' or 'zero'"
)

// Validation constants
const (
	MinServerPort     = 1024
	MaxServerPort     = 65535
	MinUploadBytes    = 1 << 10
	MaxUploadBytes    = 512 << 20
	MinDriftWindow    = 10
	MaxDriftWindow    = 100000
	MaxDriftThreshold = 10.0
)
