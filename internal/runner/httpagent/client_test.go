package httpagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/internal/wallet"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "::not a url"}); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
	client, err := NewClient(Config{})
	if err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if client.baseURL != defaultBaseURL || client.model != defaultModelName {
		t.Fatalf("unexpected defaults: %s %s", client.baseURL, client.model)
	}
}

func TestRunSendsPromptAndWalletContext(t *testing.T) {
	var (
		captured generateRequest
		query    string
		path     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.RawQuery
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"tool_calls":[{"tool_name":"jupiter_swap"}],"output":{"signature":"abc"},"execution_time_ms":812}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/", Model: "glm-4.6", Mock: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx := wallet.New("USER1111111111111111111111111111111111111111")
	ctx.SolBalance = 2_000_000_000
	payload, err := client.Run(context.Background(), flow.RunRequest{
		ExecutionID:   "exec-1",
		SessionID:     "exec-1_step_0",
		StepID:        "swap",
		Prompt:        "swap 1 SOL to USDC",
		RequiredTools: []string{"jupiter_swap"},
		Wallet:        ctx,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if path != "/gen/tx" || query != "mock=true" {
		t.Fatalf("unexpected endpoint %s?%s", path, query)
	}
	if captured.ID != "exec-1_step_0" || captured.Prompt != "swap 1 SOL to USDC" || captured.ModelName != "glm-4.6" {
		t.Fatalf("unexpected request %+v", captured)
	}
	var doc struct {
		StepID string            `yaml:"step_id"`
		KeyMap map[string]string `yaml:"key_map"`
		Wallet struct {
			Owner      string `yaml:"owner"`
			SolBalance uint64 `yaml:"sol_balance"`
		} `yaml:"wallet"`
	}
	if err := yaml.Unmarshal([]byte(captured.ContextPrompt), &doc); err != nil {
		t.Fatalf("context prompt is not yaml: %v", err)
	}
	if doc.StepID != "swap" || doc.KeyMap["USER_WALLET_PUBKEY"] != ctx.Owner || doc.Wallet.SolBalance != 2_000_000_000 {
		t.Fatalf("unexpected context prompt %+v", doc)
	}

	if !payload.Succeeded() || payload.StepID != "swap" || payload.ExecutionTimeMS != 812 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(payload.ToolCalls) != 1 || payload.ToolCalls[0] != "jupiter_swap" {
		t.Fatalf("unexpected tool calls %v", payload.ToolCalls)
	}
}

func TestRunAcceptsYAMLResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("step_id: lend\nsuccess: false\nerror: insufficient funds\n"))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	payload, err := client.Run(context.Background(), flow.RunRequest{StepID: "lend", SessionID: "s"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if payload.Succeeded() || payload.Error != "insufficient funds" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestRunHTTPErrors(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 500), status)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	_, err := client.Run(context.Background(), flow.RunRequest{StepID: "s", SessionID: "s"})
	if !xerrors.HasCode(err, flow.CodeRunnerFailed) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable runner failure, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = client.Run(context.Background(), flow.RunRequest{StepID: "s", SessionID: "s"})
	if !xerrors.HasCode(err, flow.CodeRunnerFailed) || xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable runner failure, got %v", err)
	}
}

func TestRunEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	if _, err := client.Run(context.Background(), flow.RunRequest{StepID: "s"}); err == nil {
		t.Fatal("expected error for empty response")
	}
}
