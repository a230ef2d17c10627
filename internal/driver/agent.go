package driver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AgentDriver talks to a device automation agent over HTTP.
//
// The agent owns the device connection and the image matching:
//
//	POST   /api/connect                      {"device_uri": "..."} -> {"session": "..."}
//	POST   /api/sessions/{sid}/touch         {"template": {...}}
//	POST   /api/sessions/{sid}/swipe         {"from": {...}, "to": {...}}
//	POST   /api/sessions/{sid}/text          {"text": "..."}
//	POST   /api/sessions/{sid}/exists        {"template": {...}} -> {"exists": true}
//	POST   /api/sessions/{sid}/snapshot      -> image/png
//	DELETE /api/sessions/{sid}
type AgentDriver struct {
	baseURL   string
	threshold float64
	client    *http.Client
}

// NewAgentDriver creates a driver for the agent at baseURL
func NewAgentDriver(baseURL string, timeout time.Duration, threshold float64) *AgentDriver {
	return &AgentDriver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		threshold: threshold,
		client:    &http.Client{Timeout: timeout},
	}
}

type connectRequest struct {
	DeviceURI string `json:"device_uri"`
}

type connectResponse struct {
	Session string `json:"session"`
}

type templatePayload struct {
	Name      string  `json:"name"`
	Image     string  `json:"image"`
	Threshold float64 `json:"threshold,omitempty"`
}

type templateRequest struct {
	Template templatePayload `json:"template"`
}

type swipeRequest struct {
	From Point `json:"from"`
	To   Point `json:"to"`
}

type textRequest struct {
	Text string `json:"text"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type agentError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Connect opens a session on deviceURI
func (d *AgentDriver) Connect(ctx context.Context, deviceURI string) (Session, error) {
	var resp connectResponse
	if err := d.call(ctx, http.MethodPost, "/api/connect", connectRequest{DeviceURI: deviceURI}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, deviceURI, err)
	}
	if resp.Session == "" {
		return nil, fmt.Errorf("%w: %s: agent returned no session", ErrConnection, deviceURI)
	}
	return &agentSession{driver: d, id: resp.Session}, nil
}

func (d *AgentDriver) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// call sends a JSON request and decodes a JSON reply into out when out is non-nil
func (d *AgentDriver) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := d.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

// do sends the request and maps error replies; the caller closes the body on success
func (d *AgentDriver) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := d.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var ae agentError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ae)
	if resp.StatusCode == http.StatusNotFound && ae.Error == "target_not_found" {
		if ae.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, ae.Message)
		}
		return nil, ErrTargetNotFound
	}

	msg := ae.Message
	if msg == "" {
		msg = ae.Error
	}
	return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, msg)
}

type agentSession struct {
	driver *AgentDriver
	id     string

	mu     sync.Mutex
	closed bool
}

func (s *agentSession) path(op string) string {
	return "/api/sessions/" + url.PathEscape(s.id) + "/" + op
}

func (s *agentSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *agentSession) template(t Template) (templateRequest, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return templateRequest{}, fmt.Errorf("failed to read template: %w", err)
	}
	threshold := t.Threshold
	if threshold == 0 {
		threshold = s.driver.threshold
	}
	return templateRequest{Template: templatePayload{
		Name:      t.Name(),
		Image:     base64.StdEncoding.EncodeToString(data),
		Threshold: threshold,
	}}, nil
}

func (s *agentSession) Touch(ctx context.Context, t Template) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	req, err := s.template(t)
	if err != nil {
		return err
	}
	return s.driver.call(ctx, http.MethodPost, s.path("touch"), req, nil)
}

func (s *agentSession) Swipe(ctx context.Context, from, to Point) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.driver.call(ctx, http.MethodPost, s.path("swipe"), swipeRequest{From: from, To: to}, nil)
}

func (s *agentSession) InputText(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.driver.call(ctx, http.MethodPost, s.path("text"), textRequest{Text: text}, nil)
}

func (s *agentSession) Exists(ctx context.Context, t Template) (bool, error) {
	if s.isClosed() {
		return false, ErrSessionClosed
	}
	req, err := s.template(t)
	if err != nil {
		return false, err
	}
	var resp existsResponse
	if err := s.driver.call(ctx, http.MethodPost, s.path("exists"), req, &resp); err != nil {
		// some agents answer a miss with target_not_found instead of exists=false
		if errors.Is(err, ErrTargetNotFound) {
			return false, nil
		}
		return false, err
	}
	return resp.Exists, nil
}

func (s *agentSession) Snapshot(ctx context.Context, path string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	resp, err := s.driver.do(ctx, http.MethodPost, s.path("snapshot"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return f.Close()
}

func (s *agentSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.driver.call(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(s.id), nil, nil)
}
