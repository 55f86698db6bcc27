package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"credit-rater/internal/features"
	"credit-rater/internal/storage"
)

type envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

type fakeHTTPMetrics struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeHTTPMetrics) HTTPRequestInc(route string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[fmt.Sprintf("%s %d", route, code)]++
}

func (f *fakeHTTPMetrics) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newTestServer(t *testing.T, pr *Predictor, cfg ServerConfig) *ModelServer {
	t.Helper()
	return NewModelServer(pr, cfg)
}

func do(t *testing.T, ms *ModelServer, method, path, contentType string, body []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func postJSON(t *testing.T, ms *ModelServer, path string, v any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return do(t, ms, http.MethodPost, path, "application/json", body)
}

func multipartBody(t *testing.T, filename, content string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func exampleBody() map[string]any {
	return map[string]any{
		features.LiquidityRatio:              1.5,
		features.FinancialLeverage:           2.0,
		features.NetProfitMargin:             10.0,
		features.AssetTurnover:               0.8,
		features.DebtToEquityRatio:           1.2,
		features.DebtToTotalLiabilitiesRatio: 0.4,
	}
}

const ratingCSV = "company,liquidity_ratio,financial_leverage,net_profit_margin,asset_turnover,debt_to_equity_ratio,debt_to_total_liabilities_ratio\n" +
	"north,1.5,2.0,25%,0.8,1.0,0.4\n" +
	"south,1.5,2.0,,0.8,1.0,0.4\n" +
	"east,1.5,2.0,5,0.8,1.0,0.4\n" +
	"west,1.5,2.0,14%,0.8,1.0,0.4\n"

func TestServer_Health(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})
	rec, env := do(t, ms, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.Status)
	assert.Contains(t, string(env.Data), `"model_version":"demo"`)

	empty := newTestServer(t, NewPredictor(nil, PredictorConfig{}), ServerConfig{})
	rec, env = do(t, empty, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.Status)
}

func TestServer_PredictManual(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	rec, env := postJSON(t, ms, "/predict", exampleBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "A", res.Label)
	assert.Equal(t, "demo", res.ModelVersion)
	assert.InDelta(t, 0.10, res.Features[features.NetProfitMargin], 1e-12)
}

func TestServer_PredictManualAcceptsStrings(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	body := exampleBody()
	body[features.NetProfitMargin] = "10%"
	body[features.LiquidityRatio] = " 1.5 "

	rec, env := postJSON(t, ms, "/predict", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "A", res.Label)
}

func TestServer_PredictManualMissingField(t *testing.T) {
	body := exampleBody()
	delete(body, features.AssetTurnover)

	strict := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})
	rec, env := postJSON(t, strict, "/predict", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Msg, features.AssetTurnover)
	assert.Contains(t, string(env.Data), `"field":"asset_turnover"`)

	lenient := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{ManualDefaultZero: true})
	rec, env = postJSON(t, lenient, "/predict", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 0.0, res.Features[features.AssetTurnover])
}

func TestServer_PredictManualRejectsBadInput(t *testing.T) {
	metrics := NewMockMetrics()
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{Metrics: metrics}), ServerConfig{})

	body := exampleBody()
	body[features.FinancialLeverage] = "two"
	rec, env := postJSON(t, ms, "/predict", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, string(env.Data), `"value":"two"`)
	assert.Equal(t, KindParse, env.Kind)
	assert.Equal(t, 1, metrics.Failures(KindParse))

	rec, env = do(t, ms, http.MethodPost, "/predict", "application/json", []byte(`{"liquidity_ratio":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.Kind)
}

func TestServer_PredictManualBodyTooLarge(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{MaxUploadBytes: 64})

	body := exampleBody()
	body["notes"] = strings.Repeat("x", 256)
	rec, env := postJSON(t, ms, "/predict", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, string(env.Data), `"limit_bytes":64`)
}

func TestServer_PredictWithoutArtifacts(t *testing.T) {
	ms := newTestServer(t, NewPredictor(nil, PredictorConfig{}), ServerConfig{})
	rec, env := postJSON(t, ms, "/predict", exampleBody())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, KindNoPipeline, env.Kind)

	rec, env = do(t, ms, http.MethodGet, "/model/info", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, KindNoPipeline, env.Kind)
}

func TestServer_PredictBatchJSON(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	payload := TablePayload{
		Name:    "inline",
		Columns: []string{"liquidity_ratio", "financial_leverage", "net_profit_margin", "asset_turnover", "debt_to_equity_ratio", "debt_to_total_liabilities_ratio"},
		Rows: [][]any{
			{1.5, 2, "25%", 0.8, 1.0, 0.4},
			{1.5, 2, nil, 0.8, 1.0, 0.4},
			{"1.5", "2", 5, "0.8", "1.0", "0.4"},
			{1.5, 2, 14, 0.8, 1, 0.4},
		},
	}
	rec, env := postJSON(t, ms, "/predict/batch", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, []string{"AAA", "AA", "BB", "AA"}, res.Labels)
	assert.Equal(t, "inline", res.Source)
	assert.Equal(t, 1, res.ImputedCells)
}

func TestServer_PredictBatchJSONDecimalComma(t *testing.T) {
	pr := newDemoPredictor(t, PredictorConfig{Normalize: features.Options{DecimalSeparator: ','}})
	ms := newTestServer(t, pr, ServerConfig{})

	payload := TablePayload{
		Columns: features.Names[:],
		Rows: [][]any{
			{1.5, 2, 25, 0.8, 1.0, 0.4},
			{"1,5", "2", "5%", "0,8", "1", "0,4"},
			{1.5, 2, 14.0, 0.8, 1, 0.4},
		},
	}
	rec, env := postJSON(t, ms, "/predict/batch", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, []string{"AAA", "BB", "AA"}, res.Labels)
	assert.Zero(t, res.ImputedCells)

	// text cells still follow the configured separator
	payload.Rows = [][]any{{"1.5", 2, 10, 0.8, 1.2, 0.4}}
	rec, env = postJSON(t, ms, "/predict/batch", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindParse, env.Kind)
}

func TestServer_PredictBatchSchemaError(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	payload := TablePayload{
		Columns: []string{"liquidity_ratio", "financial_leverage", "net_profit_margin"},
		Rows:    [][]any{{1.5, 2, 10}},
	}
	rec, env := postJSON(t, ms, "/predict/batch", payload)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, KindSchema, env.Kind)

	var details struct {
		Table    string   `json:"table"`
		Missing  []string `json:"missing"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, "request", details.Table)
	assert.Equal(t, []string{features.AssetTurnover, features.DebtToEquityRatio, features.DebtToTotalLiabilitiesRatio}, details.Missing)
	assert.Len(t, details.Required, features.Count)
}

func TestServer_PredictBatchParseError(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	body, ct := multipartBody(t, "companies.csv", strings.Replace(ratingCSV, "east,1.5", "east,abc", 1))
	rec, env := do(t, ms, http.MethodPost, "/predict/batch", ct, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, string(env.Data), `"row":2`)
	assert.Contains(t, string(env.Data), `"field":"liquidity_ratio"`)
}

func TestServer_PredictBatchUpload(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pr := newDemoPredictor(t, PredictorConfig{History: store})
	ms := newTestServer(t, pr, ServerConfig{History: store})

	body, ct := multipartBody(t, "companies.csv", ratingCSV)
	rec, env := do(t, ms, http.MethodPost, "/predict/batch", ct, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, []string{"AAA", "AA", "BB", "AA"}, res.Labels)
	assert.Equal(t, "companies.csv", res.Source)

	stored, err := store.GetBatch(res.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Rows)

	rec, env = do(t, ms, http.MethodGet, "/predictions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Total       int                        `json:"total"`
		Predictions []storage.PredictionRecord `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Equal(t, 4, history.Total)
	assert.Len(t, history.Predictions, 4)

	past := time.Now().Add(-72 * time.Hour).UTC().Format(time.RFC3339)
	older := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	rec, env = do(t, ms, http.MethodGet, "/predictions?from="+past+"&to="+older, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Empty(t, history.Predictions)

	rec, _ = do(t, ms, http.MethodGet, "/predictions?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PredictBatchUnsupportedUpload(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	body, ct := multipartBody(t, "companies.pdf", "%PDF-1.4")
	rec, _ := do(t, ms, http.MethodPost, "/predict/batch", ct, body)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	body, ct = multipartBody(t, "companies.csv", ratingCSV)
	ct = strings.Replace(ct, "multipart/form-data", "multipart/mixed", 1)
	rec, _ = do(t, ms, http.MethodPost, "/predict/batch", ct, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DisabledFeatures(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/predictions"},
		{http.MethodGet, "/model/drift"},
		{http.MethodGet, "/model/versions"},
		{http.MethodPost, "/model/activate/v1"},
		{http.MethodPost, "/model/rollback"},
	} {
		rec, _ := do(t, ms, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestServer_ModelEndpoints(t *testing.T) {
	modelsDir := t.TempDir()
	writeVersion(t, modelsDir, "v1")
	writeVersion(t, modelsDir, "v2")

	drift := NewDriftMonitor(DriftConfig{WindowSize: 16})
	pr := NewPredictor(nil, PredictorConfig{Drift: drift})
	mm, err := NewModelManager(modelsDir, pr)
	require.NoError(t, err)
	_, err = mm.AddVersion("v1", ModelMetrics{})
	require.NoError(t, err)
	_, err = mm.AddVersion("v2", ModelMetrics{})
	require.NoError(t, err)
	require.NoError(t, mm.ActivateVersion("v1"))

	ms := newTestServer(t, pr, ServerConfig{Manager: mm})

	rec, env := do(t, ms, http.MethodGet, "/model/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"selected_dims":5`)
	assert.Contains(t, string(env.Data), `"active_version"`)

	rec, env = do(t, ms, http.MethodGet, "/model/versions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []ModelVersion
	require.NoError(t, json.Unmarshal(env.Data, &versions))
	assert.Len(t, versions, 2)

	rec, _ = do(t, ms, http.MethodPost, "/model/activate/v2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	md, _ := pr.Metadata()
	assert.Equal(t, "v2", md.Version)

	rec, _ = do(t, ms, http.MethodPost, "/model/activate/missing", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, ms, http.MethodPost, "/model/rollback", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	md, _ = pr.Metadata()
	assert.Equal(t, "v1", md.Version)

	_, _ = postJSON(t, ms, "/predict", exampleBody())
	rec, env = do(t, ms, http.MethodGet, "/model/drift", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report DriftReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.Samples)
	assert.Len(t, report.Features, features.Count)
}

func TestServer_RecordsRoutePatterns(t *testing.T) {
	hm := &fakeHTTPMetrics{}
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{HTTPMetrics: hm})

	postJSON(t, ms, "/predict", exampleBody())
	do(t, ms, http.MethodPost, "/model/activate/v3", "", nil)

	assert.Equal(t, 1, hm.count("/predict 200"))
	assert.Equal(t, 1, hm.count("/model/activate/{version} 404"))
}

func TestServer_MetricsHandlerMounted(t *testing.T) {
	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("rater_predictions_total 0\n"))
		}),
	})

	rec, _ := do(t, ms, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rater_predictions_total")
}

func TestServer_TablePayloadConversion(t *testing.T) {
	p := TablePayload{
		Columns: []string{"a", "b", "c"},
		Rows:    [][]any{{1, 2.5, nil}, {"x", true, "3%"}},
	}
	table := p.Table(features.Options{})
	assert.Equal(t, "request", table.Name)
	assert.Equal(t, [][]string{{"1", "2.5", ""}, {"x", "true", "3%"}}, table.Rows)

	table = p.Table(features.Options{DecimalSeparator: ','})
	assert.Equal(t, [][]string{{"1", "2,5", ""}, {"x", "true", "3%"}}, table.Rows)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ms := newTestServer(t, newDemoPredictor(t, PredictorConfig{}), ServerConfig{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- ms.Serve(l) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ms.Shutdown(ctx))

	select {
	case err := <-served:
		assert.True(t, errors.Is(err, http.ErrServerClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
