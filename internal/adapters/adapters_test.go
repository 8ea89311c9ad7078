package adapters

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/engine"
	"github.com/mbd888/autonomy/internal/logging"
	"github.com/mbd888/autonomy/internal/validation"
)

var (
	_ EngineAdapter = (*Money)(nil)
	_ EngineAdapter = (*Growth)(nil)
	_ EngineAdapter = (*Product)(nil)
	_ Router        = (*engine.Engine)(nil)
)

const recipient = "0x1234567890123456789012345678901234567890"

func startEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.DefaultConfig(), engine.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"1.00", 1_000_000, true},
		{"0.50", 500_000, true},
		{"100", 100_000_000, true},
		{"0.000001", 1, true},
		{"1.1234567890", 1_123_456, true},
		{".5", 500_000, true},
		{"007.50", 7_500_000, true},
		{"", 0, false},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseAmount(tt.input)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.Int64())
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.000000", FormatAmount(nil))
	assert.Equal(t, "1.500000", FormatAmount(big.NewInt(1_500_000)))
	assert.Equal(t, "0.000001", FormatAmount(big.NewInt(1)))
	assert.Equal(t, "-2.000000", FormatAmount(big.NewInt(-2_000_000)))
}

func TestMoney_TransferAction(t *testing.T) {
	m := NewMoney(nil)

	a, err := m.TransferAction(TransferRequest{To: recipient, Amount: "600.5", Token: "usdc"})
	require.NoError(t, err)
	require.NoError(t, a.Validate())
	assert.Equal(t, "money", a.Engine)
	assert.Equal(t, CategoryTreasury, a.Category)
	assert.Equal(t, "transfer", a.Type)
	assert.InDelta(t, 600.5, a.Value(), 1e-9)
	assert.False(t, a.IsReversible())
	assert.Equal(t, autonomy.UrgencyNormal, a.Metadata.Urgency)
	assert.Equal(t, "600.500000", a.Params["amount"])
	assert.Equal(t, "USDC", a.Params["token"])

	tests := []struct {
		name  string
		req   TransferRequest
		field string
	}{
		{"missing recipient", TransferRequest{Amount: "1"}, "to"},
		{"bad recipient", TransferRequest{To: "0xnothex", Amount: "1"}, "to"},
		{"zero amount", TransferRequest{To: recipient, Amount: "0"}, "amount"},
		{"negative amount", TransferRequest{To: recipient, Amount: "-5"}, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.TransferAction(tt.req)
			var errs validation.Errors
			require.True(t, errors.As(err, &errs))
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestMoney_SwapAndDCA(t *testing.T) {
	m := NewMoney(nil)

	_, err := m.SwapAction(SwapRequest{From: "USDC", To: "usdc", Amount: "10"})
	assert.Error(t, err)
	_, err = m.SwapAction(SwapRequest{From: "USDC", To: "ETH", Amount: "10", MaxSlippageBps: 20000})
	assert.Error(t, err)

	a, err := m.SwapAction(SwapRequest{From: "USDC", To: "ETH", Amount: "250", MaxSlippageBps: 50, Urgency: autonomy.UrgencyHigh})
	require.NoError(t, err)
	assert.Equal(t, CategoryTrades, a.Category)
	assert.Equal(t, "swap", a.Type)
	assert.Equal(t, autonomy.UrgencyHigh, a.Metadata.Urgency)

	a, err = m.DCABuyAction(DCARequest{Token: "ETH", Amount: "20", Schedule: "weekly"})
	require.NoError(t, err)
	assert.Equal(t, "dca_buy", a.Type)
	assert.Equal(t, autonomy.UrgencyLow, a.Metadata.Urgency)
	assert.False(t, a.IsReversible())
}

func TestGrowth_PublishAction(t *testing.T) {
	g := NewGrowth(nil)

	tests := []struct {
		channel    string
		category   string
		typ        string
		reversible bool
	}{
		{ChannelBlog, CategoryContent, "publish_blog", true},
		{ChannelTweet, CategoryContent, "publish_tweet", true},
		{ChannelEmail, CategoryMarketing, "send_email_campaign", false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			a, err := g.PublishAction(PublishRequest{Channel: tt.channel, Title: "Launch week", Audience: 1200})
			require.NoError(t, err)
			require.NoError(t, a.Validate())
			assert.Equal(t, "growth", a.Engine)
			assert.Equal(t, tt.category, a.Category)
			assert.Equal(t, tt.typ, a.Type)
			assert.Equal(t, tt.reversible, a.IsReversible())
		})
	}

	_, err := g.PublishAction(PublishRequest{Channel: "fax", Title: "x"})
	assert.Error(t, err)
	_, err = g.PublishAction(PublishRequest{Channel: ChannelBlog})
	assert.Error(t, err)
	_, err = g.PublishAction(PublishRequest{Channel: ChannelBlog, Title: "x", Budget: -1})
	assert.Error(t, err)
}

func TestProduct_Actions(t *testing.T) {
	p := NewProduct(nil)

	a, err := p.BuildAction(BuildRequest{Service: "api", Ref: "main"})
	require.NoError(t, err)
	assert.Equal(t, "run_build", a.Type)
	assert.True(t, a.IsReversible())

	a, err = p.DeployAction(DeployRequest{Service: "api", Version: "v1.2.0", Environment: EnvProduction})
	require.NoError(t, err)
	assert.Equal(t, CategoryDeployments, a.Category)
	assert.Equal(t, "deploy_production", a.Type)
	assert.False(t, a.IsReversible())

	a, err = p.RollbackAction(DeployRequest{Service: "api", Version: "v1.1.0", Environment: EnvStaging})
	require.NoError(t, err)
	assert.Equal(t, "rollback_staging", a.Type)
	assert.True(t, a.IsReversible())

	_, err = p.DeployAction(DeployRequest{Service: "api", Version: "v1", Environment: "qa"})
	assert.Error(t, err)
}

func TestAdapters_RouteThroughEngine(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t)

	// 35 value + 20 irreversible + 5 normal = 60, queued at the default level.
	d, err := NewMoney(e).Transfer(ctx, TransferRequest{To: recipient, Amount: "600"})
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeQueueApproval, d.Outcome)
	assert.NotEmpty(t, d.ApprovalID)

	d, err = NewMoney(e).DCABuy(ctx, DCARequest{Token: "ETH", Amount: "20"})
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)

	d, err = NewGrowth(e).Publish(ctx, PublishRequest{Channel: ChannelBlog, Title: "Changelog"})
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)

	d, err = NewProduct(e).Deploy(ctx, DeployRequest{Service: "api", Version: "v2", Environment: EnvProduction})
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeEscalate, d.Outcome)
	assert.Equal(t, autonomy.RuleDangerousOverride, d.Rule)

	_, err = NewMoney(e).Transfer(ctx, TransferRequest{To: "nope", Amount: "1"})
	assert.Error(t, err)
}

func TestAwait(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t)

	events, cancel := e.Subscribe(32)
	defer cancel()

	d, err := NewMoney(e).Transfer(ctx, TransferRequest{To: recipient, Amount: "600"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = e.Resolve(ctx, d.ApprovalID, approval.ResolutionApproved, "treasurer")
	}()

	waitCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	item, err := Await(waitCtx, events, d.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, item.Status)
	assert.Equal(t, "treasurer", item.ResolvedBy)
}

func TestAwait_ContextAndClose(t *testing.T) {
	events := make(chan engine.Event)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Await(ctx, events, "apv_x")
	assert.ErrorIs(t, err, context.Canceled)

	close(events)
	_, err = Await(context.Background(), events, "apv_x")
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}
