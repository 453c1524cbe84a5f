package wallet

import (
	"math"
	"sort"
)

const (
	// SOLMint is the wrapped SOL mint; its price drives the native balance value.
	SOLMint  = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	// DefaultSOLPrice is used when no SOL price is known.
	DefaultSOLPrice = 150.0

	lamportsPerSOL = 1_000_000_000
)

// TokenBalance is one SPL token holding. Balance is in base units.
type TokenBalance struct {
	Mint     string `json:"mint" yaml:"mint"`
	Balance  uint64 `json:"balance" yaml:"balance"`
	Decimals *uint8 `json:"decimals,omitempty" yaml:"decimals,omitempty"`
	Account  string `json:"account,omitempty" yaml:"account,omitempty"`
	Symbol   string `json:"symbol,omitempty" yaml:"symbol,omitempty"`
}

// Amount returns the balance in whole tokens.
func (b TokenBalance) Amount() float64 {
	decimals := 0
	if b.Decimals != nil {
		decimals = int(*b.Decimals)
	}
	return float64(b.Balance) / math.Pow10(decimals)
}

// Context is the wallet state a flow step runs against.
type Context struct {
	Owner         string                  `json:"owner" yaml:"owner"`
	SolBalance    uint64                  `json:"sol_balance" yaml:"sol_balance"`
	TokenBalances map[string]TokenBalance `json:"token_balances,omitempty" yaml:"token_balances,omitempty"`
	TokenPrices   map[string]float64      `json:"token_prices,omitempty" yaml:"token_prices,omitempty"`
	TotalValueUSD float64                 `json:"total_value_usd" yaml:"total_value_usd"`
}

// New returns an empty context for owner.
func New(owner string) *Context {
	return &Context{
		Owner:         owner,
		TokenBalances: map[string]TokenBalance{},
		TokenPrices:   map[string]float64{},
	}
}

// SolBalanceSOL returns the native balance in SOL.
func (c *Context) SolBalanceSOL() float64 {
	return float64(c.SolBalance) / lamportsPerSOL
}

// SetTokenBalance records a holding keyed by mint.
func (c *Context) SetTokenBalance(balance TokenBalance) {
	if c.TokenBalances == nil {
		c.TokenBalances = map[string]TokenBalance{}
	}
	c.TokenBalances[balance.Mint] = balance
}

// SetTokenPrice records a USD price keyed by mint.
func (c *Context) SetTokenPrice(mint string, price float64) {
	if c.TokenPrices == nil {
		c.TokenPrices = map[string]float64{}
	}
	c.TokenPrices[mint] = price
}

// CalculateTotalValue recomputes TotalValueUSD from the SOL balance and every
// priced token holding. Tokens without a price contribute nothing.
func (c *Context) CalculateTotalValue() float64 {
	solPrice, ok := c.TokenPrices[SOLMint]
	if !ok {
		solPrice = DefaultSOLPrice
	}
	total := c.SolBalanceSOL() * solPrice
	for mint, balance := range c.TokenBalances {
		if price, ok := c.TokenPrices[mint]; ok {
			total += balance.Amount() * price
		}
	}
	c.TotalValueUSD = total
	return total
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.TokenBalances = make(map[string]TokenBalance, len(c.TokenBalances))
	for k, v := range c.TokenBalances {
		if v.Decimals != nil {
			d := *v.Decimals
			v.Decimals = &d
		}
		out.TokenBalances[k] = v
	}
	out.TokenPrices = make(map[string]float64, len(c.TokenPrices))
	for k, v := range c.TokenPrices {
		out.TokenPrices[k] = v
	}
	return &out
}

// Mints returns the held mints in sorted order.
func (c *Context) Mints() []string {
	mints := make([]string, 0, len(c.TokenBalances))
	for mint := range c.TokenBalances {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

// KeyMap returns the placeholder values agents use to resolve addresses.
func (c *Context) KeyMap() map[string]string {
	keys := map[string]string{
		"USER_WALLET_PUBKEY":      c.Owner,
		"RECIPIENT_WALLET_PUBKEY": "11111111111111111111111111111112",
		"SOL_MINT":                SOLMint,
		"WSOL_MINT":               SOLMint,
		"USDC_MINT":               USDCMint,
	}
	if usdc, ok := c.TokenBalances[USDCMint]; ok && usdc.Account != "" {
		keys["USER_USDC_ATA"] = usdc.Account
	}
	return keys
}
