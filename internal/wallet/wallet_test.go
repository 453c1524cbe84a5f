package wallet

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reev-harness/internal/config"
	xerrors "reev-harness/internal/errors"
)

const testOwner = "USER1111111111111111111111111111111111111111"

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func newSolanaServer(t *testing.T, failBalance bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "getBalance":
			if failBalance {
				resp["error"] = map[string]any{"code": -32602, "message": "invalid pubkey"}
			} else {
				resp["result"] = map[string]any{"context": map[string]any{"slot": 1}, "value": 2_500_000_000}
			}
		case "getTokenAccountsByOwner":
			resp["result"] = map[string]any{
				"context": map[string]any{"slot": 1},
				"value": []any{
					tokenAccount("ATA1", USDCMint, "1500000", 6),
					tokenAccount("ATA2", USDCMint, "500000", 6),
					tokenAccount("ATA3", "JUPmint", "7", 0),
				},
			}
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func tokenAccount(pubkey, mint, amount string, decimals int) map[string]any {
	return map[string]any{
		"pubkey": pubkey,
		"account": map[string]any{
			"data": map[string]any{
				"parsed": map[string]any{
					"info": map[string]any{
						"mint":        mint,
						"tokenAmount": map[string]any{"amount": amount, "decimals": decimals},
					},
				},
			},
		},
	}
}

func TestRPCProviderSnapshot(t *testing.T) {
	server := newSolanaServer(t, false)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := DialRPC(ctx, RPCConfig{Name: "local", RPCURL: server.URL, TokenPrices: map[string]float64{USDCMint: 1}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer provider.Close()

	snapshot, err := provider.Snapshot(ctx, testOwner)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.SolBalance != 2_500_000_000 {
		t.Fatalf("unexpected sol balance %d", snapshot.SolBalance)
	}
	usdc, ok := snapshot.TokenBalances[USDCMint]
	if !ok {
		t.Fatal("expected usdc holding")
	}
	if usdc.Balance != 2_000_000 || usdc.Account != "ATA1" {
		t.Fatalf("unexpected usdc holding %+v", usdc)
	}
	// 2.5 SOL at the default price plus 2 USDC; the unpriced token adds nothing.
	if math.Abs(snapshot.TotalValueUSD-377) > 1e-9 {
		t.Fatalf("unexpected total value %f", snapshot.TotalValueUSD)
	}
	if snapshot.KeyMap()["USER_USDC_ATA"] != "ATA1" {
		t.Fatalf("expected usdc ata in key map: %v", snapshot.KeyMap())
	}
}

func TestRPCProviderSnapshotError(t *testing.T) {
	server := newSolanaServer(t, true)
	defer server.Close()

	provider, err := DialRPC(context.Background(), RPCConfig{RPCURL: server.URL})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer provider.Close()

	_, err = provider.Snapshot(context.Background(), testOwner)
	if !xerrors.HasCode(err, CodeSnapshotFailed) {
		t.Fatalf("expected snapshot failure, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("snapshot failures should be retryable")
	}

	provider.Close()
	if _, err := provider.Snapshot(context.Background(), testOwner); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestRegistryFromNetworkFile(t *testing.T) {
	server := newSolanaServer(t, false)
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "networks.yaml")
	content := "networks:\n  surfpool:\n    rpc_url: " + server.URL + "\n    description: local fork\n    token_prices:\n      " + SOLMint + ": 200\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write networks: %v", err)
	}

	registry, err := NewRegistry(context.Background(), config.WalletConfig{NetworkConfig: path})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	if names := registry.Networks(); len(names) != 1 || names[0] != "surfpool" {
		t.Fatalf("unexpected networks %v", names)
	}
	snapshot, err := registry.Snapshot(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.TokenPrices[SOLMint] != 200 {
		t.Fatalf("expected configured sol price, got %v", snapshot.TokenPrices)
	}
}

func TestRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.WalletConfig{}); err == nil {
		t.Fatal("expected error without endpoints")
	}
	server := newSolanaServer(t, false)
	defer server.Close()
	if _, err := NewRegistry(context.Background(), config.WalletConfig{RPCURL: server.URL, DefaultNetwork: "mainnet"}); err == nil {
		t.Fatal("expected error for unknown default network")
	}
}

func TestCalculateTotalValue(t *testing.T) {
	six := uint8(6)
	ctx := New(testOwner)
	ctx.SolBalance = 1_000_000_000
	ctx.SetTokenBalance(TokenBalance{Mint: USDCMint, Balance: 25_000_000, Decimals: &six})
	ctx.SetTokenPrice(USDCMint, 1)

	if got := ctx.CalculateTotalValue(); math.Abs(got-175) > 1e-9 {
		t.Fatalf("unexpected total %f", got)
	}
	ctx.SetTokenPrice(SOLMint, 100)
	if got := ctx.CalculateTotalValue(); math.Abs(got-125) > 1e-9 {
		t.Fatalf("unexpected total with sol price %f", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	six := uint8(6)
	orig := New(testOwner)
	orig.SetTokenBalance(TokenBalance{Mint: USDCMint, Balance: 1, Decimals: &six})
	orig.SetTokenPrice(USDCMint, 1)

	clone := orig.Clone()
	clone.SetTokenBalance(TokenBalance{Mint: USDCMint, Balance: 99})
	clone.SetTokenPrice(USDCMint, 2)

	if orig.TokenBalances[USDCMint].Balance != 1 || orig.TokenPrices[USDCMint] != 1 {
		t.Fatal("clone mutated the original")
	}
	if (*Context)(nil).Clone() != nil {
		t.Fatal("nil clone should be nil")
	}
	if keys := orig.KeyMap(); keys["USER_WALLET_PUBKEY"] != testOwner || keys["SOL_MINT"] != SOLMint {
		t.Fatalf("unexpected key map %v", keys)
	}
}
