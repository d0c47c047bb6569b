package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 2 * time.Minute

// HTTPEngine implements Engine against an automation worker exposing
// POST /activations, POST /sessions/{handle}/code and DELETE /sessions/{handle}.
type HTTPEngine struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPEngine returns an engine with a client timeout; per-call deadlines
// come from the context.
func NewHTTPEngine(baseURL, apiKey string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPEngine{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type activateRequest struct {
	Code  string `json:"code"`
	Email string `json:"email"`
}

type submitCodeRequest struct {
	OTP string `json:"otp"`
}

type resultResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	SessionHandle string `json:"session_handle,omitempty"`
}

func (e *HTTPEngine) Activate(ctx context.Context, code, email string) (Result, error) {
	return e.post(ctx, "/activations", activateRequest{Code: code, Email: email})
}

func (e *HTTPEngine) SubmitCode(ctx context.Context, handle, otp string) (Result, error) {
	if handle == "" {
		return Result{}, fmt.Errorf("activation: empty session handle")
	}
	return e.post(ctx, "/sessions/"+url.PathEscape(handle)+"/code", submitCodeRequest{OTP: otp})
}

// Release closes the worker-side session. An unknown handle is treated as
// already released.
func (e *HTTPEngine) Release(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.BaseURL+"/sessions/"+url.PathEscape(handle), nil)
	if err != nil {
		return err
	}
	e.authorize(req)

	resp, err := e.client().Do(req)
	if err != nil {
		return fmt.Errorf("activation: release %s: %w", handle, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	return fmt.Errorf("activation: release %s: status %d", handle, resp.StatusCode)
}

func (e *HTTPEngine) post(ctx context.Context, path string, body any) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	resp, err := e.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("activation: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("activation: read %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return Result{}, fmt.Errorf("activation: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out resultResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("activation: decode %s: %w", path, err)
	}
	return Result{
		Status:  parseStatus(out.Status),
		Message: out.Message,
		Handle:  out.SessionHandle,
	}, nil
}

func (e *HTTPEngine) authorize(req *http.Request) {
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
}

func (e *HTTPEngine) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}
