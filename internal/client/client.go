// Package client talks to a running rating server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"credit-rater/internal/features"
	"credit-rater/internal/ml"
)

type Client struct {
	base string
	rest *resty.Client
}

var _ ml.Rater = (*Client)(nil)

// New creates a client for the server at base, e.g. http://localhost:8080.
func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(30 * time.Second)
	}
	r.SetBaseURL(base)
	r.SetHeader("Accept", "application/json")
	return &Client{base: base, rest: r}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.base }

type envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// APIError is a non-2xx response from the server. Kind is the server's error class
// (ml.KindSchema, ml.KindParse, ...) and is empty for request-level failures.
type APIError struct {
	StatusCode int
	Msg        string
	Kind       string
	Data       json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Msg)
}

// Is lets callers match server-side input errors with the features sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case features.ErrSchema:
		return e.Kind == ml.KindSchema
	case features.ErrParse:
		return e.Kind == ml.KindParse
	case ml.ErrNoPipeline:
		return e.Kind == ml.KindNoPipeline
	}
	return false
}

// do sends req and decodes the envelope's data into out.
func (c *Client) do(req *resty.Request, method, path string, out any) error {
	env := &envelope{}
	resp, err := req.SetResult(env).SetError(env).Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := env.Msg
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &APIError{StatusCode: resp.StatusCode(), Msg: msg, Kind: env.Kind, Data: env.Data}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Health returns the server health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var health map[string]any
	if err := c.do(c.rest.R().SetContext(ctx), http.MethodGet, "/health", &health); err != nil {
		return nil, err
	}
	return health, nil
}

// PredictManual rates one record on the server.
func (c *Client) PredictManual(ctx context.Context, in features.ManualInput) (*ml.Result, error) {
	res := &ml.Result{}
	req := c.rest.R().SetContext(ctx).SetBody(in)
	if err := c.do(req, http.MethodPost, "/predict", res); err != nil {
		return nil, err
	}
	return res, nil
}

// PredictTable sends t as a JSON table and rates it on the server.
func (c *Client) PredictTable(ctx context.Context, t features.Table) (*ml.BatchResult, error) {
	payload := ml.TablePayload{Name: t.Name, Columns: t.Columns, Rows: make([][]any, len(t.Rows))}
	for i, row := range t.Rows {
		cells := make([]any, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		payload.Rows[i] = cells
	}

	res := &ml.BatchResult{}
	req := c.rest.R().SetContext(ctx).SetBody(payload)
	if err := c.do(req, http.MethodPost, "/predict/batch", res); err != nil {
		return nil, err
	}
	return res, nil
}

// PredictFile uploads a CSV or XLSX file for batch rating.
func (c *Client) PredictFile(ctx context.Context, name string, r io.Reader) (*ml.BatchResult, error) {
	res := &ml.BatchResult{}
	req := c.rest.R().SetContext(ctx).SetFileReader("file", filepath.Base(name), r)
	if err := c.do(req, http.MethodPost, "/predict/batch", res); err != nil {
		return nil, err
	}
	return res, nil
}

// ModelInfo returns the serving artifact set description.
func (c *Client) ModelInfo(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.do(c.rest.R().SetContext(ctx), http.MethodGet, "/model/info", &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Versions lists the registered artifact versions.
func (c *Client) Versions(ctx context.Context) ([]ml.ModelVersion, error) {
	var versions []ml.ModelVersion
	if err := c.do(c.rest.R().SetContext(ctx), http.MethodGet, "/model/versions", &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// Activate switches the server to version.
func (c *Client) Activate(ctx context.Context, version string) (*ml.ModelVersion, error) {
	v := &ml.ModelVersion{}
	req := c.rest.R().SetContext(ctx).SetPathParam("version", version)
	if err := c.do(req, http.MethodPost, "/model/activate/{version}", v); err != nil {
		return nil, err
	}
	return v, nil
}

// Rollback switches the server to the previous version.
func (c *Client) Rollback(ctx context.Context) (*ml.ModelVersion, error) {
	v := &ml.ModelVersion{}
	if err := c.do(c.rest.R().SetContext(ctx), http.MethodPost, "/model/rollback", v); err != nil {
		return nil, err
	}
	return v, nil
}

// Drift returns the server's input drift report.
func (c *Client) Drift(ctx context.Context) (*ml.DriftReport, error) {
	report := &ml.DriftReport{}
	if err := c.do(c.rest.R().SetContext(ctx), http.MethodGet, "/model/drift", report); err != nil {
		return nil, err
	}
	return report, nil
}
