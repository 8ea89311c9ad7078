package adapters

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/validation"
)

// TokenDecimals is the precision of the stablecoin amounts the money
// subsystem deals in (1 unit = 1,000,000 base units).
const TokenDecimals = 6

const (
	CategoryTrades   = "trades"
	CategoryTreasury = "treasury"
)

// ParseAmount converts a decimal string such as "1.50" into base units.
// Digits past TokenDecimals are truncated. Negative or malformed input
// returns false.
func ParseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole, frac := parts[0], ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < TokenDecimals {
		frac += "0"
	}
	return new(big.Int).SetString(whole+frac[:TokenDecimals], 10)
}

// FormatAmount renders base units with exactly TokenDecimals places.
func FormatAmount(units *big.Int) string {
	if units == nil {
		return "0.000000"
	}
	s := new(big.Int).Abs(units).String()
	for len(s) < TokenDecimals+1 {
		s = "0" + s
	}
	point := len(s) - TokenDecimals
	out := s[:point] + "." + s[point:]
	if units.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// amountValue converts base units to a float value for risk scoring.
func amountValue(units *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(units),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)),
	).Float64()
	return f
}

// TransferRequest sends tokens to an external address.
type TransferRequest struct {
	To      string
	Amount  string
	Token   string
	Memo    string
	Urgency autonomy.Urgency
}

// SwapRequest exchanges one token for another.
type SwapRequest struct {
	From           string
	To             string
	Amount         string
	MaxSlippageBps int
	Urgency        autonomy.Urgency
}

// DCARequest is one scheduled dollar-cost-averaging buy.
type DCARequest struct {
	Token    string
	Amount   string
	Schedule string
}

// Money adapts on-chain treasury and trading operations. Every on-chain
// operation is irreversible once broadcast.
type Money struct {
	router Router
}

// NewMoney creates a money adapter that submits through r.
func NewMoney(r Router) *Money {
	return &Money{router: r}
}

func (m *Money) Name() string { return "money" }

func (m *Money) Categories() []string { return []string{CategoryTrades, CategoryTreasury} }

// TransferAction builds the action for req without submitting it.
func (m *Money) TransferAction(req TransferRequest) (*autonomy.Action, error) {
	if err := validation.Validate(
		validation.Required("to", req.To),
		validation.Address("to", req.To),
		validation.Required("amount", req.Amount),
		validation.Amount("amount", req.Amount),
		validation.MaxLength("memo", req.Memo, validation.MaxStringLength),
	); err != nil {
		return nil, err
	}
	units, ok := ParseAmount(req.Amount)
	if !ok {
		return nil, validation.Errors{{Field: "amount", Message: "invalid amount format"}}
	}
	token := tokenOrDefault(req.Token)
	return actionSpec{
		engine:      m.Name(),
		category:    CategoryTreasury,
		typ:         "transfer",
		description: fmt.Sprintf("Transfer %s %s to %s", FormatAmount(units), token, req.To),
		value:       amountValue(units),
		reversible:  false,
		urgency:     req.Urgency,
		params: map[string]any{
			"to":     req.To,
			"amount": FormatAmount(units),
			"token":  token,
			"memo":   validation.SanitizeString(req.Memo, validation.MaxStringLength),
		},
	}.build(), nil
}

// Transfer builds and submits a transfer.
func (m *Money) Transfer(ctx context.Context, req TransferRequest) (*autonomy.Decision, error) {
	action, err := m.TransferAction(req)
	return submit(ctx, m.router, action, err)
}

// SwapAction builds the action for req without submitting it.
func (m *Money) SwapAction(req SwapRequest) (*autonomy.Action, error) {
	if err := validation.Validate(
		validation.Required("from", req.From),
		validation.Required("to", req.To),
		validation.Required("amount", req.Amount),
		validation.Amount("amount", req.Amount),
	); err != nil {
		return nil, err
	}
	if strings.EqualFold(req.From, req.To) {
		return nil, validation.Errors{{Field: "to", Message: "must differ from from"}}
	}
	if req.MaxSlippageBps < 0 || req.MaxSlippageBps > 10000 {
		return nil, validation.Errors{{Field: "maxSlippageBps", Message: "must be between 0 and 10000"}}
	}
	units, ok := ParseAmount(req.Amount)
	if !ok {
		return nil, validation.Errors{{Field: "amount", Message: "invalid amount format"}}
	}
	return actionSpec{
		engine:      m.Name(),
		category:    CategoryTrades,
		typ:         "swap",
		description: fmt.Sprintf("Swap %s %s for %s", FormatAmount(units), req.From, req.To),
		value:       amountValue(units),
		reversible:  false,
		urgency:     req.Urgency,
		params: map[string]any{
			"from":           req.From,
			"to":             req.To,
			"amount":         FormatAmount(units),
			"maxSlippageBps": req.MaxSlippageBps,
		},
	}.build(), nil
}

// Swap builds and submits a swap.
func (m *Money) Swap(ctx context.Context, req SwapRequest) (*autonomy.Decision, error) {
	action, err := m.SwapAction(req)
	return submit(ctx, m.router, action, err)
}

// DCABuyAction builds the action for req without submitting it. Scheduled
// buys are never urgent.
func (m *Money) DCABuyAction(req DCARequest) (*autonomy.Action, error) {
	if err := validation.Validate(
		validation.Required("token", req.Token),
		validation.Required("amount", req.Amount),
		validation.Amount("amount", req.Amount),
	); err != nil {
		return nil, err
	}
	units, ok := ParseAmount(req.Amount)
	if !ok {
		return nil, validation.Errors{{Field: "amount", Message: "invalid amount format"}}
	}
	return actionSpec{
		engine:      m.Name(),
		category:    CategoryTrades,
		typ:         "dca_buy",
		description: fmt.Sprintf("DCA buy %s of %s", FormatAmount(units), req.Token),
		value:       amountValue(units),
		reversible:  false,
		urgency:     autonomy.UrgencyLow,
		params: map[string]any{
			"token":    req.Token,
			"amount":   FormatAmount(units),
			"schedule": req.Schedule,
		},
	}.build(), nil
}

// DCABuy builds and submits a scheduled buy.
func (m *Money) DCABuy(ctx context.Context, req DCARequest) (*autonomy.Decision, error) {
	action, err := m.DCABuyAction(req)
	return submit(ctx, m.router, action, err)
}

func tokenOrDefault(token string) string {
	if token == "" {
		return "USDC"
	}
	return strings.ToUpper(token)
}
