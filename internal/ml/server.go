package ml

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"credit-rater/internal/features"
	"credit-rater/internal/storage"
	"credit-rater/internal/tabular"
)

// HistoryReader serves stored predictions. *storage.Store implements it.
type HistoryReader interface {
	GetPredictionsInRange(start, end time.Time) ([]storage.PredictionRecord, error)
	CountPredictions() (int, error)
}

// HTTPMetrics counts served requests.
type HTTPMetrics interface {
	HTTPRequestInc(route string, code int)
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port              int
	RequestTimeout    time.Duration
	MaxUploadBytes    int64
	ManualDefaultZero bool
	Manager           *ModelManager
	History           HistoryReader
	HTTPMetrics       HTTPMetrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// ModelServer provides HTTP API for credit rating predictions
type ModelServer struct {
	predictor *Predictor
	cfg       ServerConfig
	router    chi.Router
	server    *http.Server
}

// APIResponse is the envelope of every JSON response. Status is 0 on success and the
// HTTP status code otherwise. Kind names the error class of prediction failures.
type APIResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Kind   string `json:"kind,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// TablePayload is the JSON form of a batch upload. Cells may be strings, numbers or null.
type TablePayload struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Table converts the payload into raw string cells. JSON numbers are written with the
// decimal separator of opts so they parse the same way as text cells.
func (p TablePayload) Table(opts features.Options) features.Table {
	t := features.Table{Name: p.Name, Columns: p.Columns, Rows: make([][]string, len(p.Rows))}
	if t.Name == "" {
		t.Name = "request"
	}
	for i, row := range p.Rows {
		cells := make([]string, len(row))
		for j, c := range row {
			cells[j] = payloadCell(c, opts)
		}
		t.Rows[i] = cells
	}
	return t
}

func payloadCell(c any, opts features.Options) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return cast.ToString(v)
	}
	if f, err := cast.ToFloat64E(c); err == nil {
		return features.FormatNumber(f, opts)
	}
	return cast.ToString(c)
}

// NewModelServer creates a new HTTP server for model serving
func NewModelServer(predictor *Predictor, cfg ServerConfig) *ModelServer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}

	ms := &ModelServer{
		predictor: predictor,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ms.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", ms.handleHealth)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/predict", ms.handlePredict)
		r.Post("/predict/batch", ms.handlePredictBatch)
		r.Get("/predictions", ms.handlePredictions)

		r.Route("/model", func(r chi.Router) {
			r.Get("/info", ms.handleModelInfo)
			r.Get("/drift", ms.handleDrift)
			r.Get("/versions", ms.handleVersions)
			r.Post("/activate/{version}", ms.handleActivate)
			r.Post("/rollback", ms.handleRollback)
		})
	})

	ms.router = r
	ms.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout + 5*time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return ms
}

// Handler returns the router, for tests and embedding.
func (ms *ModelServer) Handler() http.Handler {
	return ms.router
}

// Start begins serving HTTP requests
func (ms *ModelServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting model server")
	return ms.server.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (ms *ModelServer) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("starting model server")
	return ms.server.Serve(l)
}

// Shutdown gracefully shuts down the server
func (ms *ModelServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

func (ms *ModelServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if ms.cfg.HTTPMetrics != nil {
			ms.cfg.HTTPMetrics.HTTPRequestInc(route, status)
		}
		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func respond(w http.ResponseWriter, r *http.Request, data any) {
	render.JSON(w, r, APIResponse{Status: 0, Msg: "ok", Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string, data any) {
	respondKindError(w, r, code, "", msg, data)
}

func respondKindError(w http.ResponseWriter, r *http.Request, code int, kind, msg string, data any) {
	render.Status(r, code)
	render.JSON(w, r, APIResponse{Status: code, Msg: msg, Kind: kind, Data: data})
}

// respondPredictionError maps predictor errors onto HTTP codes and exposes the
// structured fields of schema and parse errors.
func respondPredictionError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		se      *features.SchemaError
		pe      *features.ParseError
		shape   *ShapeError
		tooBig  *http.MaxBytesError
		code    = http.StatusInternalServerError
		kind    = ErrorKind(err)
		details any
	)
	switch {
	case errors.As(err, &tooBig):
		code = http.StatusRequestEntityTooLarge
		kind = ""
		details = map[string]any{"limit_bytes": tooBig.Limit}
	case errors.As(err, &se):
		code = http.StatusUnprocessableEntity
		details = map[string]any{
			"table":    se.Table,
			"missing":  se.Missing,
			"required": se.Required,
			"column":   se.Column,
		}
	case errors.As(err, &pe):
		code = http.StatusBadRequest
		details = map[string]any{"field": pe.Field, "row": pe.Row, "value": pe.Value}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	case errors.As(err, &shape):
		details = map[string]any{"stage": shape.Stage, "want": shape.Want, "got": shape.Got}
	case errors.Is(err, ErrNoPipeline):
		code = http.StatusServiceUnavailable
		kind = KindNoPipeline
	}
	if code >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("prediction failed")
	}
	respondKindError(w, r, code, kind, err.Error(), details)
}

func (ms *ModelServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ms.cfg.MaxUploadBytes)

	var body map[string]any
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondPredictionError(w, r, err)
			return
		}
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err), nil)
		return
	}
	if body == nil {
		body = map[string]any{}
	}

	if ms.cfg.ManualDefaultZero {
		for _, name := range features.Names {
			if v, ok := body[name]; !ok || v == nil {
				body[name] = 0.0
			}
		}
	}

	in, err := features.ManualFromMap(body, ms.predictor.Options())
	if err != nil {
		ms.countRejected(err)
		respondPredictionError(w, r, err)
		return
	}

	res, err := ms.predictor.PredictManual(r.Context(), in)
	if err != nil {
		respondPredictionError(w, r, err)
		return
	}
	respond(w, r, res)
}

func (ms *ModelServer) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ms.cfg.MaxUploadBytes)

	table, err := ms.readTable(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			respondPredictionError(w, r, err)
		case errors.Is(err, tabular.ErrUnsupportedFormat):
			respondError(w, r, http.StatusUnsupportedMediaType, err.Error(), nil)
		default:
			respondError(w, r, http.StatusBadRequest, err.Error(), nil)
		}
		return
	}

	res, err := ms.predictor.PredictTable(r.Context(), table)
	if err != nil {
		respondPredictionError(w, r, err)
		return
	}
	respond(w, r, res)
}

func (ms *ModelServer) readTable(r *http.Request) (features.Table, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(ms.cfg.MaxUploadBytes); err != nil {
			return features.Table{}, fmt.Errorf("invalid upload: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return features.Table{}, fmt.Errorf("missing upload field \"file\": %w", err)
		}
		defer file.Close()
		return tabular.Read(header.Filename, file, tabular.Options{})
	}

	var payload TablePayload
	if err := render.DecodeJSON(r.Body, &payload); err != nil {
		return features.Table{}, fmt.Errorf("invalid request: %w", err)
	}
	return payload.Table(ms.predictor.Options()), nil
}

// countRejected records input rejected before it reached the predictor.
func (ms *ModelServer) countRejected(err error) {
	if m := ms.predictor.Metrics(); m != nil {
		m.FailuresInc(ErrorKind(err))
	}
}

func (ms *ModelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	}
	if md, ok := ms.predictor.Metadata(); ok {
		health["model_version"] = md.Version
	}
	if !ms.predictor.Ready() {
		health["status"] = "unavailable"
		respondKindError(w, r, http.StatusServiceUnavailable, KindNoPipeline, "no artifacts loaded", health)
		return
	}
	respond(w, r, health)
}

func (ms *ModelServer) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	p := ms.predictor.Pipeline()
	if p == nil {
		respondKindError(w, r, http.StatusServiceUnavailable, KindNoPipeline, "no artifacts loaded", nil)
		return
	}
	set := p.Artifacts()
	info := map[string]any{
		"metadata":      set.Metadata,
		"artifact_dir":  set.Dir,
		"loaded_at":     set.LoadedAt,
		"features":      features.Names,
		"selected_dims": set.Selector.OutputDim(),
		"classes":       set.Labels.NumClasses(),
	}
	if ms.cfg.Manager != nil {
		if v := ms.cfg.Manager.GetCurrentVersion(); v != nil {
			info["active_version"] = v
		}
	}
	respond(w, r, info)
}

func (ms *ModelServer) handleDrift(w http.ResponseWriter, r *http.Request) {
	d := ms.predictor.Drift()
	if d == nil {
		respondError(w, r, http.StatusNotFound, "drift monitoring is disabled", nil)
		return
	}
	respond(w, r, d.Report())
}

func (ms *ModelServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	if ms.cfg.Manager == nil {
		respondError(w, r, http.StatusNotFound, "model versioning is disabled", nil)
		return
	}
	respond(w, r, ms.cfg.Manager.ListVersions())
}

func (ms *ModelServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	if ms.cfg.Manager == nil {
		respondError(w, r, http.StatusNotFound, "model versioning is disabled", nil)
		return
	}
	version := chi.URLParam(r, "version")
	if err := ms.cfg.Manager.ActivateVersion(version); err != nil {
		respondError(w, r, http.StatusConflict, err.Error(), nil)
		return
	}
	respond(w, r, ms.cfg.Manager.GetCurrentVersion())
}

func (ms *ModelServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	if ms.cfg.Manager == nil {
		respondError(w, r, http.StatusNotFound, "model versioning is disabled", nil)
		return
	}
	if err := ms.cfg.Manager.Rollback(); err != nil {
		respondError(w, r, http.StatusConflict, err.Error(), nil)
		return
	}
	respond(w, r, ms.cfg.Manager.GetCurrentVersion())
}

func (ms *ModelServer) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if ms.cfg.History == nil {
		respondError(w, r, http.StatusNotFound, "prediction history is disabled", nil)
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err), nil)
			return
		}
		start = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err), nil)
			return
		}
		end = t
	}

	recs, err := ms.cfg.History.GetPredictionsInRange(start, end)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := ms.cfg.History.CountPredictions()
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	respond(w, r, map[string]any{
		"from":        start,
		"to":          end,
		"total":       total,
		"labels":      storage.LabelCounts(recs),
		"predictions": recs,
	})
}
