package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"credit-rater/internal/common"
	"credit-rater/internal/features"
)

// Metadata describes an artifact set. It is optional and informational only.
type Metadata struct {
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
	Features  []string  `json:"features,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Classes   []string  `json:"classes,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// ArtifactSet holds the four fitted artifacts. It is immutable once loaded.
type ArtifactSet struct {
	Dir        string
	Scaler     Transform
	Selector   Transform
	Classifier Classifier
	Labels     LabelDecoder
	Metadata   Metadata
	LoadedAt   time.Time
}

// ArtifactPath returns the file for a logical artifact name inside dir.
func ArtifactPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// LoadArtifacts reads and validates a complete artifact set from dir. Any missing or
// malformed artifact fails the load.
func LoadArtifacts(dir string) (*ArtifactSet, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(ArtifactPath(dir, name))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}
		return data, nil
	}

	data, err := read(common.ArtifactFeatureScaler)
	if err != nil {
		return nil, err
	}
	scaler, err := ParseScaler(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", common.ArtifactFeatureScaler, err)
	}

	if data, err = read(common.ArtifactFeatureSelector); err != nil {
		return nil, err
	}
	selector, err := ParseSelector(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", common.ArtifactFeatureSelector, err)
	}

	if data, err = read(common.ArtifactModel); err != nil {
		return nil, err
	}
	classifier, err := ParseClassifier(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", common.ArtifactModel, err)
	}

	if data, err = read(common.ArtifactLabelEncoder); err != nil {
		return nil, err
	}
	labels, err := ParseLabelEncoder(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", common.ArtifactLabelEncoder, err)
	}

	set := &ArtifactSet{
		Dir:        dir,
		Scaler:     scaler,
		Selector:   selector,
		Classifier: classifier,
		Labels:     labels,
		LoadedAt:   time.Now(),
	}

	if md, err := loadMetadata(dir); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", common.ArtifactMetadata, err)
	} else if md != nil {
		set.Metadata = *md
	}
	if set.Metadata.Version == "" {
		set.Metadata.Version = filepath.Base(dir)
	}
	if len(set.Metadata.Classes) == 0 {
		set.Metadata.Classes = append([]string(nil), labels.Classes...)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func loadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(ArtifactPath(dir, common.ArtifactMetadata))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

// Validate checks that the artifacts chain: six features into the scaler, scaler output
// into the selector, selector output into the classifier, and one label per class.
func (a *ArtifactSet) Validate() error {
	if a.Scaler == nil || a.Selector == nil || a.Classifier == nil || a.Labels == nil {
		return fmt.Errorf("artifact set is incomplete")
	}
	if a.Scaler.InputDim() != features.Count {
		return fmt.Errorf("%s artifact fitted on %d features, inputs have %d",
			common.ArtifactFeatureScaler, a.Scaler.InputDim(), features.Count)
	}
	if a.Selector.InputDim() != a.Scaler.OutputDim() {
		return fmt.Errorf("%s artifact expects %d inputs, scaler produces %d",
			common.ArtifactFeatureSelector, a.Selector.InputDim(), a.Scaler.OutputDim())
	}
	if a.Classifier.InputDim() != a.Selector.OutputDim() {
		return fmt.Errorf("%s artifact expects %d inputs, selector produces %d",
			common.ArtifactModel, a.Classifier.InputDim(), a.Selector.OutputDim())
	}
	if a.Classifier.NumClasses() != a.Labels.NumClasses() {
		return fmt.Errorf("%s artifact has %d classes, label encoder has %d",
			common.ArtifactModel, a.Classifier.NumClasses(), a.Labels.NumClasses())
	}
	return nil
}

// SaveArtifacts writes each artifact as indented JSON into dir, creating it if needed.
func SaveArtifacts(dir string, scaler *Scaler, selector *Selector, model any, labels *LabelEncoder, md *Metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	items := []struct {
		name string
		v    any
	}{
		{common.ArtifactFeatureScaler, scaler},
		{common.ArtifactFeatureSelector, selector},
		{common.ArtifactModel, model},
		{common.ArtifactLabelEncoder, labels},
	}
	if md != nil {
		items = append(items, struct {
			name string
			v    any
		}{common.ArtifactMetadata, md})
	}
	for _, it := range items {
		data, err := json.MarshalIndent(it.v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", it.name, err)
		}
		if err := os.WriteFile(ArtifactPath(dir, it.name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", it.name, err)
		}
	}
	return nil
}
