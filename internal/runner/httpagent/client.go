// Package httpagent runs flow steps against the agent service over HTTP.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/internal/wallet"
	"reev-harness/pkg/logger"
)

const (
	defaultBaseURL   = "http://localhost:9090"
	defaultModelName = "local-model"
	defaultTimeout   = 300 * time.Second
	maxResponseBytes = 8 << 20
)

// Config describes the agent service.
type Config struct {
	BaseURL string
	Model   string
	// Mock asks the agent service to answer without calling a model.
	Mock    bool
	Timeout time.Duration
}

// Client implements flow.Runner against POST {base}/gen/tx.
type Client struct {
	baseURL    string
	model      string
	mock       bool
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid agent base url")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		mock:       cfg.Mock,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("agent"),
	}, nil
}

type generateRequest struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	ContextPrompt string `json:"context_prompt"`
	ModelName     string `json:"model_name"`
}

// contextDocument is rendered as YAML into context_prompt.
type contextDocument struct {
	StepID        string            `yaml:"step_id"`
	RequiredTools []string          `yaml:"required_tools,omitempty"`
	KeyMap        map[string]string `yaml:"key_map"`
	Wallet        *wallet.Context   `yaml:"wallet,omitempty"`
}

// Run sends one step prompt and decodes the agent's session payload.
func (c *Client) Run(ctx context.Context, req flow.RunRequest) (*flow.SessionPayload, error) {
	body, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/gen/tx?mock=" + strconv.FormatBool(c.mock)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeRunnerFailed, err, "build agent request", xerrors.WithRetryable(false))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log := logger.WithExecution(c.log, req.ExecutionID, req.SessionID)
	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, xerrors.Wrap(flow.CodeRunnerFailed, err, "call agent service",
			xerrors.WithMetadata(logger.KeySessionID, req.SessionID))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeRunnerFailed, err, "read agent response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := fmt.Sprintf("agent service returned %d: %s", resp.StatusCode, truncate(string(raw)))
		return nil, xerrors.New(flow.CodeRunnerFailed, msg,
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError),
			xerrors.WithMetadata(logger.KeySessionID, req.SessionID))
	}

	payload, err := flow.ParseSessionPayload(raw)
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeRunnerFailed, err, "decode agent response", xerrors.WithRetryable(false))
	}
	if payload.StepID == "" {
		payload.StepID = req.StepID
	}
	log.Debug("agent responded",
		slog.String(logger.KeyStepID, req.StepID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("tool_calls", len(payload.ToolCalls)),
	)
	return payload, nil
}

func (c *Client) buildPayload(req flow.RunRequest) ([]byte, error) {
	doc := contextDocument{
		StepID:        req.StepID,
		RequiredTools: req.RequiredTools,
		KeyMap:        map[string]string{},
		Wallet:        req.Wallet,
	}
	if req.Wallet != nil {
		doc.KeyMap = req.Wallet.KeyMap()
	}
	contextPrompt, err := yaml.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode context prompt")
	}
	body, err := json.Marshal(generateRequest{
		ID:            req.SessionID,
		Prompt:        req.Prompt,
		ContextPrompt: string(contextPrompt),
		ModelName:     c.model,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode agent request")
	}
	return body, nil
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 200 {
		return string([]rune(text)[:200]) + "..."
	}
	return text
}

var _ flow.Runner = (*Client)(nil)
