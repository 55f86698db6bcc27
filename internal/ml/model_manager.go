package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"credit-rater/internal/common"
)

// ModelVersion represents a versioned artifact set
type ModelVersion struct {
	Version   string       `json:"version"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics contains evaluation results recorded for a version
type ModelMetrics struct {
	Accuracy       float64 `json:"accuracy"`
	MacroPrecision float64 `json:"macro_precision"`
	MacroRecall    float64 `json:"macro_recall"`
	Samples        int     `json:"samples"`
}

// ModelManager handles artifact versioning, activation and rollback. Activation loads
// and validates the whole artifact set before the predictor is switched over, so a bad
// version never replaces a working one.
type ModelManager struct {
	mu           sync.Mutex
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	currentModel *ModelVersion
	predictor    *Predictor
	metrics      MetricsInterface
}

// NewModelManager creates a new model manager rooted at modelsDir.
func NewModelManager(modelsDir string, predictor *Predictor) (*ModelManager, error) {
	versionsFile := filepath.Join(modelsDir, common.ArtifactVersionsFile)

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: versionsFile,
		versions:     make([]ModelVersion, 0),
		predictor:    predictor,
	}
	if predictor != nil {
		mm.metrics = predictor.Metrics()
	}

	if err := mm.loadVersions(); err != nil {
		return nil, fmt.Errorf("load %s: %w", versionsFile, err)
	}

	return mm, nil
}

// LoadPipeline reads the artifact set in dir and builds a pipeline from it.
func LoadPipeline(dir string) (*Pipeline, error) {
	set, err := LoadArtifacts(dir)
	if err != nil {
		return nil, err
	}
	return NewPipeline(set)
}

// Start loads the active version, or the artifacts directly under the models dir when
// no version is tracked, and installs it in the predictor.
func (mm *ModelManager) Start() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	dir := mm.modelsDir
	if mm.currentModel != nil {
		dir = mm.resolve(mm.currentModel.Path)
	}
	return mm.install(dir)
}

// Reload re-reads the serving artifacts from disk.
func (mm *ModelManager) Reload() error {
	return mm.Start()
}

// AddVersion validates the artifact set at path and registers it. The version name comes
// from the set's metadata, falling back to the directory name.
func (mm *ModelManager) AddVersion(path string, metrics ModelMetrics) (*ModelVersion, error) {
	set, err := LoadArtifacts(mm.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("validate version at %s: %w", path, err)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	name := set.Metadata.Version
	if name == "" || name == "." {
		name = time.Now().Format("20060102-150405")
	}
	for _, v := range mm.versions {
		if v.Version == name {
			return nil, fmt.Errorf("version %s already exists", name)
		}
	}

	version := ModelVersion{
		Version:   name,
		Path:      path,
		CreatedAt: time.Now(),
		Metrics:   metrics,
		IsActive:  false,
	}

	// newest first
	mm.versions = append([]ModelVersion{version}, mm.versions...)
	mm.relinkCurrent()

	if err := mm.saveVersions(); err != nil {
		return nil, err
	}
	log.Info().Str("version", name).Str("path", path).Msg("Registered model version")
	return &version, nil
}

// ActivateVersion loads a version and switches the predictor to it. On failure the
// previously active version keeps serving.
func (mm *ModelManager) ActivateVersion(version string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.activate(version)
}

func (mm *ModelManager) activate(version string) error {
	idx := -1
	for i := range mm.versions {
		if mm.versions[i].Version == version {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("version %s not found", version)
	}

	if err := mm.install(mm.resolve(mm.versions[idx].Path)); err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}

	for i := range mm.versions {
		mm.versions[i].IsActive = i == idx
	}
	mm.currentModel = &mm.versions[idx]

	return mm.saveVersions()
}

// Rollback activates the version registered before the active one.
func (mm *ModelManager) Rollback() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if len(mm.versions) < 2 {
		return fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range mm.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return fmt.Errorf("no active version found")
	}

	if currentIdx+1 < len(mm.versions) {
		return mm.activate(mm.versions[currentIdx+1].Version)
	}
	return fmt.Errorf("no previous version available")
}

// GetCurrentVersion returns the currently active version, or nil.
func (mm *ModelManager) GetCurrentVersion() *ModelVersion {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.currentModel == nil {
		return nil
	}
	v := *mm.currentModel
	return &v
}

// ListVersions returns all model versions, newest first.
func (mm *ModelManager) ListVersions() []ModelVersion {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return append([]ModelVersion(nil), mm.versions...)
}

func (mm *ModelManager) install(dir string) error {
	p, err := LoadPipeline(dir)
	if err != nil {
		if mm.metrics != nil {
			mm.metrics.ModelReloadsInc("failure")
		}
		log.Error().Err(err).Str("artifact_dir", dir).Msg("Failed to load artifacts")
		return err
	}
	if mm.predictor != nil {
		mm.predictor.Swap(p)
	}
	if mm.metrics != nil {
		mm.metrics.ModelReloadsInc("success")
	}
	log.Info().
		Str("artifact_dir", dir).
		Str("model_version", p.Artifacts().Metadata.Version).
		Msg("Artifacts loaded")
	return nil
}

func (mm *ModelManager) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(mm.modelsDir, path)
}

func (mm *ModelManager) relinkCurrent() {
	mm.currentModel = nil
	for i := range mm.versions {
		if mm.versions[i].IsActive {
			mm.currentModel = &mm.versions[i]
			break
		}
	}
}

// loadVersions loads model versions from file
func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, &mm.versions); err != nil {
		return err
	}
	mm.relinkCurrent()
	return nil
}

// saveVersions saves model versions to file
func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(mm.versionsFile, data, 0o600)
}
