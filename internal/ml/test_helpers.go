package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu           sync.Mutex
	predictions  map[string]int
	labels       map[string]int
	failures     map[string]int
	latencyCount int
	batchRows    []int
	imputedCells int
	modelAge     float64
	reloads      map[string]int
	accuracy     []float64
	drift        map[string]float64
	driftSets    int
}

// NewMockMetrics returns an empty MockMetrics.
func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		predictions: make(map[string]int),
		labels:      make(map[string]int),
		failures:    make(map[string]int),
		reloads:     make(map[string]int),
		drift:       make(map[string]float64),
	}
}

func (m *MockMetrics) PredictionsAdd(mode string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[mode] += n
}

func (m *MockMetrics) LabelInc(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[label]++
}

func (m *MockMetrics) FailuresInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind]++
}

func (m *MockMetrics) LatencyObserve(mode string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyCount++
}

func (m *MockMetrics) BatchRowsObserve(rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchRows = append(m.batchRows, rows)
}

func (m *MockMetrics) ImputedCellsAdd(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imputedCells += n
}

func (m *MockMetrics) ModelAgeSet(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = seconds
}

func (m *MockMetrics) ModelReloadsInc(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads[result]++
}

func (m *MockMetrics) AccuracyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accuracy = append(m.accuracy, v)
}

func (m *MockMetrics) DriftSet(feature string, mean float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift[feature] = mean
	m.driftSets++
}

// Predictions returns the recorded prediction count for mode.
func (m *MockMetrics) Predictions(mode string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictions[mode]
}

// Failures returns the recorded failure count for kind.
func (m *MockMetrics) Failures(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[kind]
}

// Reloads returns the recorded reload count for result.
func (m *MockMetrics) Reloads(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads[result]
}

// DriftUpdates returns how many drift gauge updates were recorded.
func (m *MockMetrics) DriftUpdates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driftSets
}

// DriftMean returns the last recorded window mean of feature.
func (m *MockMetrics) DriftMean(feature string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drift[feature]
}

// Accuracy returns the observed accuracy values.
func (m *MockMetrics) Accuracy() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.accuracy...)
}
