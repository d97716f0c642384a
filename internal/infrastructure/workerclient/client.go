// Package workerclient talks to a single graph-execution worker node:
// submitting prompts, polling history, fetching its schema catalog,
// uploading binary inputs, and streaming per-prompt progress.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/smilemakc/workforge/internal/workererr"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 60 * time.Second
)

// Client is an HTTP client for one worker node's base_url.
type Client struct {
	nodeID  string
	baseURL string
	http    *http.Client
}

// New constructs a Client for one worker node. nodeID is carried through
// into error values so callers can attribute a failure to a specific
// node without threading it separately.
func New(nodeID, baseURL string) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		nodeID:  nodeID,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
}

// Submit implements POST {base}/prompt. The payload is wrapped under a
// "prompt" key if the caller didn't already nest it that way.
func (c *Client) Submit(ctx context.Context, prompt map[string]any, extraPNGInfo map[string]any) (string, error) {
	payload := map[string]any{}
	if _, wrapped := prompt["prompt"]; wrapped {
		payload = prompt
	} else {
		payload["prompt"] = prompt
	}
	if extraPNGInfo != nil {
		payload["extra_pnginfo"] = extraPNGInfo
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.postJSON(ctx, "/prompt", payload, &resp); err != nil {
		return "", err
	}
	return resp.PromptID, nil
}

// historyStatus carries just enough of the worker's history payload to
// decide whether a prompt is terminal.
type historyStatus struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]any `json:"outputs"`
}

var pendingStatusStrings = map[string]bool{
	"running": true, "pending": true, "queued": true,
}

// History implements GET {base}/history/{prompt_id}. It returns nil
// outputs if the prompt is unknown or not yet terminal.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	var resp map[string]historyStatus
	if err := c.getJSON(ctx, "/history/"+promptID, &resp); err != nil {
		return nil, err
	}
	entry, ok := resp[promptID]
	if !ok {
		return nil, nil
	}
	if pendingStatusStrings[entry.Status.StatusStr] || !entry.Status.Completed {
		return nil, nil
	}
	return map[string]any{"outputs": entry.Outputs}, nil
}

// ObjectInfo implements GET {base}/object_info, returning the raw catalog
// payload for the caller to parse into compiler.Catalog.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.getJSON(ctx, "/object_info", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SystemStats implements GET {base}/system_stats for the health loop: any
// 200 response counts as alive, so the body is discarded.
func (c *Client) SystemStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &workererr.BackendUnavailable{NodeID: c.nodeID, BaseURL: c.baseURL, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return &workererr.BackendError{NodeID: c.nodeID, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// UploadImage implements POST {base}/upload/image, falling back to the
// api-prefixed path if the first attempt 404s.
func (c *Client) UploadImage(ctx context.Context, nodeID string, name string, data []byte, subfolder string, overwrite bool) (string, error) {
	ref, err := c.uploadTo(ctx, "/upload/image", name, data, subfolder, overwrite)
	if err == nil {
		return ref, nil
	}
	var be *workererr.BackendError
	if !isNotFound(err, &be) {
		return "", err
	}
	return c.uploadTo(ctx, "/api/upload/image", name, data, subfolder, overwrite)
}

func isNotFound(err error, out **workererr.BackendError) bool {
	be, ok := err.(*workererr.BackendError)
	if !ok {
		return false
	}
	*out = be
	return be.Status == http.StatusNotFound
}

func (c *Client) uploadTo(ctx context.Context, urlPath, name string, data []byte, subfolder string, overwrite bool) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	_ = w.WriteField("subfolder", subfolder)
	_ = w.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+urlPath, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &workererr.BackendUnavailable{NodeID: c.nodeID, BaseURL: c.baseURL, Cause: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", &workererr.BackendError{NodeID: c.nodeID, Status: resp.StatusCode, Body: string(respBody)}
	}

	var out struct {
		Name      string `json:"name"`
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &workererr.InvalidOutput{NodeID: c.nodeID, Reason: "upload response was not valid JSON: " + err.Error()}
	}
	ref := out.Name
	if ref == "" {
		ref = out.Filename
	}
	if ref == "" {
		return "", &workererr.InvalidOutput{NodeID: c.nodeID, Reason: "upload response named neither name nor filename"}
	}
	log.Debug().Str("node_id", c.nodeID).Str("ref", ref).Msg("uploaded input file")
	return ref, nil
}

func (c *Client) getJSON(ctx context.Context, urlPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+urlPath, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, urlPath string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+urlPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &workererr.BackendUnavailable{NodeID: c.nodeID, BaseURL: c.baseURL, Cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return &workererr.BackendError{NodeID: c.nodeID, Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &workererr.InvalidOutput{NodeID: c.nodeID, Reason: "response was not valid JSON: " + err.Error()}
	}
	return nil
}
