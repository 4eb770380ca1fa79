package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Client is a typed HTTP client for the controller's admin surface. Used by
// the CLI subcommands; workers carry their own client.
type Client struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

// NewClient creates a controller client authenticating with the admin key.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  baseURL,
		adminKey: adminKey,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type errorEnvelope struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

// do issues the request with the admin header and decodes either the
// expected body or the error envelope.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Admin", c.adminKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Code != "" {
			return fmt.Errorf("%s: %s (correlation %s)", env.Error.Code, env.Error.Message, env.Error.CorrelationID)
		}
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitResult is the response from build submission or retry
type SubmitResult struct {
	ID         string            `json:"id"`
	Status     types.BuildStatus `json:"status"`
	BuildToken string            `json:"buildToken"`
}

// Submit uploads a source bundle (and optional credentials bundle) for the
// given platform.
func (c *Client) Submit(ctx context.Context, platform, sourcePath, credentialsPath string) (*SubmitResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("platform", platform); err != nil {
		return nil, err
	}
	if err := attachFile(mw, "source", sourcePath); err != nil {
		return nil, err
	}
	if credentialsPath != "" {
		if err := attachFile(mw, "credentials", credentialsPath); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/builds", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out SubmitResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func attachFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// BuildStatus fetches a build record.
func (c *Client) BuildStatus(ctx context.Context, id string) (*types.Build, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/builds/"+id+"/status", nil)
	if err != nil {
		return nil, err
	}
	var out types.Build
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuildLogs fetches up to limit log entries for a build; limit 0 means all.
func (c *Client) BuildLogs(ctx context.Context, id string, limit int) ([]*types.BuildLogEntry, error) {
	url := c.baseURL + "/builds/" + id + "/logs"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []*types.BuildLogEntry `json:"entries"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ActiveBuilds lists assigned and building builds.
func (c *Client) ActiveBuilds(ctx context.Context) ([]*types.Build, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/builds/active", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Builds []*types.Build `json:"builds"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}

// Cancel cancels a build.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/builds/"+id+"/cancel", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Retry creates a new build from a finished one.
func (c *Client) Retry(ctx context.Context, id string) (*SubmitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/builds/"+id+"/retry", nil)
	if err != nil {
		return nil, err
	}
	var out SubmitResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadResult streams a completed build's result artifact to w.
func (c *Client) DownloadResult(ctx context.Context, id string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/builds/"+id+"/result", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Admin", c.adminKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Code != "" {
			return 0, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return 0, fmt.Errorf("controller returned %s", resp.Status)
	}
	return io.Copy(w, resp.Body)
}

// RegisterWorker registers a worker and returns its id and first session
// token.
func (c *Client) RegisterWorker(ctx context.Context, name string, caps types.Capabilities) (string, string, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "capabilities": caps})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		WorkerID     string `json:"workerId"`
		SessionToken string `json:"sessionToken"`
	}
	if err := c.do(req, &out); err != nil {
		return "", "", err
	}
	return out.WorkerID, out.SessionToken, nil
}

// Workers lists all registered workers.
func (c *Client) Workers(ctx context.Context) ([]*types.Worker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/workers", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Workers []*types.Worker `json:"workers"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// Health fetches the controller health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
