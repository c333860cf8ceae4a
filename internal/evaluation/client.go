// internal/evaluation/client.go
package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ModelClient asks the examinee model a question.
type ModelClient interface {
	Answer(ctx context.Context, endpoint, prompt string) (string, error)
}

// Judge asks the grading model for a verdict.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient talks to examinee endpoints ({"input"} -> {"output"}) and to an
// OpenAI compatible chat completions endpoint for judging.
type HTTPClient struct {
	http          *http.Client
	judgeEndpoint string
	judgeAPIKey   string
	judgeModel    string
}

type HTTPClientConfig struct {
	JudgeEndpoint string
	JudgeAPIKey   string
	JudgeModel    string
	Timeout       time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.JudgeModel
	if model == "" {
		model = "gpt-4o"
	}
	return &HTTPClient{
		http:          &http.Client{Timeout: timeout},
		judgeEndpoint: cfg.JudgeEndpoint,
		judgeAPIKey:   cfg.JudgeAPIKey,
		judgeModel:    model,
	}
}

func (c *HTTPClient) Answer(ctx context.Context, endpoint, prompt string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	if err := c.postJSON(ctx, endpoint, "", map[string]string{"input": prompt}, &out); err != nil {
		return "", fmt.Errorf("call model %s: %w", endpoint, err)
	}
	return out.Output, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Judge(ctx context.Context, prompt string) (string, error) {
	if c.judgeEndpoint == "" {
		return "", fmt.Errorf("judge endpoint not configured")
	}
	var out chatResponse
	req := chatRequest{
		Model:    c.judgeModel,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if err := c.postJSON(ctx, c.judgeEndpoint, c.judgeAPIKey, req, &out); err != nil {
		return "", fmt.Errorf("call judge: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("judge returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Healthy reports whether a GET on endpoint answers 200.
func (c *HTTPClient) Healthy(ctx context.Context, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, url, apiKey string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
