package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "reev-harness/internal/errors"
)

// TokenProgramID is the SPL token program queried for token accounts.
const TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// CodeSnapshotFailed marks a failed wallet snapshot.
const CodeSnapshotFailed xerrors.Code = "WALLET_SNAPSHOT_FAILED"

func init() {
	xerrors.Register(CodeSnapshotFailed, xerrors.Attributes{
		Message:   "wallet snapshot failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Provider returns the current state of a wallet.
type Provider interface {
	Snapshot(ctx context.Context, owner string) (*Context, error)
}

// RPCConfig describes one Solana JSON-RPC endpoint.
type RPCConfig struct {
	Name         string
	RPCURL       string
	TokenProgram string
	TokenPrices  map[string]float64
}

// RPCProvider snapshots wallets over Solana JSON-RPC. go-ethereum's rpc
// client speaks plain JSON-RPC 2.0 and is reused as the transport.
type RPCProvider struct {
	name         string
	tokenProgram string
	prices       map[string]float64

	mu     sync.Mutex
	client *gethrpc.Client
}

// DialRPC connects to the endpoint in cfg.
func DialRPC(ctx context.Context, cfg RPCConfig) (*RPCProvider, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("wallet rpc url is empty")
	}
	client, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial wallet rpc %s: %w", rpcURL, err)
	}
	return NewRPCProvider(client, cfg), nil
}

// NewRPCProvider wraps an existing client.
func NewRPCProvider(client *gethrpc.Client, cfg RPCConfig) *RPCProvider {
	program := strings.TrimSpace(cfg.TokenProgram)
	if program == "" {
		program = TokenProgramID
	}
	prices := make(map[string]float64, len(cfg.TokenPrices))
	for mint, price := range cfg.TokenPrices {
		prices[mint] = price
	}
	return &RPCProvider{name: cfg.Name, tokenProgram: program, prices: prices, client: client}
}

// Name returns the configured network name.
func (p *RPCProvider) Name() string {
	return p.name
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

type tokenAccountsResult struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string `json:"mint"`
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals uint8  `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// Snapshot reads the SOL balance and SPL token accounts of owner.
func (p *RPCProvider) Snapshot(ctx context.Context, owner string) (*Context, error) {
	client := p.rpcClient()
	if client == nil {
		return nil, xerrors.New(CodeSnapshotFailed, "wallet rpc client closed")
	}
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallet owner is empty")
	}

	var balance balanceResult
	if err := client.CallContext(ctx, &balance, "getBalance", owner); err != nil {
		return nil, xerrors.Wrap(CodeSnapshotFailed, err, "getBalance", xerrors.WithMetadata("owner", owner))
	}

	var accounts tokenAccountsResult
	err := client.CallContext(ctx, &accounts, "getTokenAccountsByOwner", owner,
		map[string]string{"programId": p.tokenProgram},
		map[string]string{"encoding": "jsonParsed"})
	if err != nil {
		return nil, xerrors.Wrap(CodeSnapshotFailed, err, "getTokenAccountsByOwner", xerrors.WithMetadata("owner", owner))
	}

	snapshot := New(owner)
	snapshot.SolBalance = balance.Value
	for _, acct := range accounts.Value {
		info := acct.Account.Data.Parsed.Info
		if info.Mint == "" {
			continue
		}
		amount, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(CodeSnapshotFailed, err, fmt.Sprintf("parse token amount of %s", acct.Pubkey))
		}
		holding, ok := snapshot.TokenBalances[info.Mint]
		if !ok {
			decimals := info.TokenAmount.Decimals
			holding = TokenBalance{Mint: info.Mint, Decimals: &decimals, Account: acct.Pubkey}
		}
		holding.Balance += amount
		snapshot.SetTokenBalance(holding)
	}
	for mint, price := range p.prices {
		snapshot.SetTokenPrice(mint, price)
	}
	snapshot.CalculateTotalValue()
	return snapshot, nil
}

func (p *RPCProvider) rpcClient() *gethrpc.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Close releases the RPC connection.
func (p *RPCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}
