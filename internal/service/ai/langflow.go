package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxLangflowResponseBytes = 1 << 20

// LangflowConfig points the client at a Langflow flow run endpoint.
type LangflowConfig struct {
	URL              string
	APIKey           string
	InputComponent   string
	SessionComponent string
	Timeout          time.Duration
}

// LangflowClient runs a Langflow chat flow, passing the session id through a
// text input component so the flow can keep per-session memory.
type LangflowClient struct {
	cfg    LangflowConfig
	client *http.Client
	logger *zap.Logger
}

// NewLangflowClient constructs a client. httpClient may be nil.
func NewLangflowClient(cfg LangflowConfig, httpClient *http.Client, logger *zap.Logger) *LangflowClient {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LangflowClient{cfg: cfg, client: httpClient, logger: logger}
}

type langflowRequest struct {
	OutputType string                    `json:"output_type"`
	InputType  string                    `json:"input_type"`
	Tweaks     map[string]map[string]any `json:"tweaks"`
}

type langflowResponse struct {
	Outputs []struct {
		Outputs []struct {
			Results struct {
				Message *struct {
					Text string `json:"text"`
					Data struct {
						Text string `json:"text"`
					} `json:"data"`
				} `json:"message"`
			} `json:"results"`
		} `json:"outputs"`
	} `json:"outputs"`
}

// Complete posts the message to the flow and extracts the chat output text.
func (c *LangflowClient) Complete(ctx context.Context, sessionID, content string) (string, error) {
	tweaks := map[string]map[string]any{
		c.cfg.InputComponent: {
			"files":       "",
			"input_value": content,
		},
	}
	if c.cfg.SessionComponent != "" {
		tweaks[c.cfg.SessionComponent] = map[string]any{"input_value": sessionID}
	}

	body, err := json.Marshal(langflowRequest{OutputType: "chat", InputType: "chat", Tweaks: tweaks})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLangflowResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("langflow error status",
			zap.String("session", sessionID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(respBody, 512)),
		)
		return "", fmt.Errorf("langflow http error: status=%d", resp.StatusCode)
	}

	var lr langflowResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	text, ok := lr.text()
	if !ok {
		return "", fmt.Errorf("%w: no chat output in response", ErrMalformedResponse)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}

	c.logger.Debug("langflow reply", zap.String("session", sessionID), zap.Int("length", len(text)))
	return text, nil
}

func (r langflowResponse) text() (string, bool) {
	if len(r.Outputs) == 0 || len(r.Outputs[0].Outputs) == 0 {
		return "", false
	}
	msg := r.Outputs[0].Outputs[0].Results.Message
	if msg == nil {
		return "", false
	}
	if msg.Data.Text != "" {
		return msg.Data.Text, true
	}
	return msg.Text, true
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
