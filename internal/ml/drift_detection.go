package ml

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"credit-rater/internal/features"
)

// DriftMonitor detects when live inputs move away from the training distribution.
// It watches the scaler output: for a standard scaler those values are z-scores, so a
// window mean far from zero means the inputs no longer look like the training data.
type DriftMonitor struct {
	mu            sync.Mutex
	names         []string
	window        int
	threshold     float64
	samples       [][]float64 // ring buffer, one slot per observation
	next          int
	filled        int
	total         int64
	metrics       MetricsInterface
	drifting      map[string]bool
	lastAlertTime time.Time
	alertCooldown time.Duration
}

// DriftConfig configures drift detection
type DriftConfig struct {
	WindowSize     int
	AlertThreshold float64
	AlertCooldown  time.Duration
	FeatureNames   []string
	Metrics        MetricsInterface
}

// FeatureDrift is the window statistic of one scaled feature.
type FeatureDrift struct {
	Name     string  `json:"name"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	Drifting bool    `json:"drifting"`
}

// DriftReport is a snapshot of the monitor.
type DriftReport struct {
	WindowSize int            `json:"window_size"`
	Samples    int            `json:"samples"`
	Observed   int64          `json:"observed"`
	Threshold  float64        `json:"threshold"`
	Drifting   bool           `json:"drifting"`
	Features   []FeatureDrift `json:"features"`
}

// NewDriftMonitor creates a new drift monitor
func NewDriftMonitor(config DriftConfig) *DriftMonitor {
	dm := &DriftMonitor{
		names:         config.FeatureNames,
		window:        config.WindowSize,
		threshold:     config.AlertThreshold,
		alertCooldown: config.AlertCooldown,
		metrics:       config.Metrics,
		drifting:      make(map[string]bool),
	}

	// Set default values
	if len(dm.names) == 0 {
		dm.names = features.Names[:]
	}
	if dm.window <= 0 {
		dm.window = 500
	}
	if dm.threshold <= 0 {
		dm.threshold = 2.0
	}
	if dm.alertCooldown == 0 {
		dm.alertCooldown = 15 * time.Minute
	}
	dm.samples = make([][]float64, dm.window)

	return dm
}

// Observe adds one scaled vector to the window. Vectors of the wrong width are ignored.
func (dm *DriftMonitor) Observe(scaled []float64) {
	dm.ObserveBatch([][]float64{scaled})
}

// ObserveBatch adds the scaled vectors of one request to the window and refreshes the
// drift gauges once. Vectors of the wrong width are ignored.
func (dm *DriftMonitor) ObserveBatch(rows [][]float64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	added := 0
	for _, scaled := range rows {
		if len(scaled) != len(dm.names) {
			continue
		}
		dm.samples[dm.next] = append(dm.samples[dm.next][:0], scaled...)
		dm.next = (dm.next + 1) % dm.window
		if dm.filled < dm.window {
			dm.filled++
		}
		dm.total++
		added++
	}
	if added == 0 {
		return
	}
	dm.publishLocked()
}

func (dm *DriftMonitor) publishLocked() {
	report := dm.reportLocked()
	for _, f := range report.Features {
		if dm.metrics != nil {
			dm.metrics.DriftSet(f.Name, f.Mean)
		}
		if f.Drifting && !dm.drifting[f.Name] && time.Since(dm.lastAlertTime) > dm.alertCooldown {
			log.Warn().
				Str("feature", f.Name).
				Float64("window_mean", f.Mean).
				Float64("threshold", dm.threshold).
				Int("samples", report.Samples).
				Msg("Input drift detected")
			dm.lastAlertTime = time.Now()
		}
		dm.drifting[f.Name] = f.Drifting
	}
}

// Report returns the current window statistics.
func (dm *DriftMonitor) Report() DriftReport {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.reportLocked()
}

func (dm *DriftMonitor) reportLocked() DriftReport {
	r := DriftReport{
		WindowSize: dm.window,
		Samples:    dm.filled,
		Observed:   dm.total,
		Threshold:  dm.threshold,
		Features:   make([]FeatureDrift, len(dm.names)),
	}
	for i, name := range dm.names {
		r.Features[i].Name = name
	}
	if dm.filled == 0 {
		return r
	}

	n := float64(dm.filled)
	for i := range dm.names {
		var sum float64
		for s := 0; s < dm.filled; s++ {
			sum += dm.samples[s][i]
		}
		mean := sum / n

		var sq float64
		for s := 0; s < dm.filled; s++ {
			d := dm.samples[s][i] - mean
			sq += d * d
		}

		f := &r.Features[i]
		f.Mean = mean
		f.StdDev = math.Sqrt(sq / n)
		f.Drifting = math.Abs(mean) > dm.threshold
		if f.Drifting {
			r.Drifting = true
		}
	}
	return r
}

// Reset clears the window. Called when a new artifact set starts serving.
func (dm *DriftMonitor) Reset() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for i := range dm.samples {
		dm.samples[i] = dm.samples[i][:0]
	}
	dm.next = 0
	dm.filled = 0
	dm.total = 0
	dm.drifting = make(map[string]bool)
	if dm.metrics != nil {
		for _, name := range dm.names {
			dm.metrics.DriftSet(name, 0)
		}
	}
}
