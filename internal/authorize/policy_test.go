package authorize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questpay/internal/models"
)

type fakeReader struct {
	quest         models.Quest
	spentToday    int64
	walletPayouts int
}

func (f *fakeReader) GetQuest(_ context.Context, _ string) (models.Quest, error) {
	return f.quest, nil
}

func (f *fakeReader) SumCompletedPayoutsSince(_ context.Context, _ string, _ time.Time) (int64, error) {
	return f.spentToday, nil
}

func (f *fakeReader) CountWalletPayoutsSince(_ context.Context, _, _ string, _ time.Time) (int, error) {
	return f.walletPayouts, nil
}

func baseRequest() Request {
	return Request{
		Policy:   models.SpendPolicy{MaxPerPayout: 1000, MaxPerDay: 5000, MaxPayoutsPerDay: 3},
		Amount:   1000,
		Wallet:   "wallet-1",
		QuestID:  "quest-1",
		Merchant: "Chewy",
	}
}

func TestAuthorizeHappyPath(t *testing.T) {
	auth := NewPolicyAuthorizer(&fakeReader{quest: models.Quest{BudgetRemaining: 10000}})

	d, err := auth.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, d.Authorized)
	assert.Empty(t, d.Reason)
}

func TestAuthorizeRejectsOverMaxPerPayout(t *testing.T) {
	auth := NewPolicyAuthorizer(&fakeReader{quest: models.Quest{BudgetRemaining: 10000}})
	req := baseRequest()
	req.Amount = 1001

	d, err := auth.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "max per payout")
}

func TestAuthorizeRechecksBudgetIndependently(t *testing.T) {
	auth := NewPolicyAuthorizer(&fakeReader{quest: models.Quest{BudgetRemaining: 500}})

	d, err := auth.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "budget remaining")
}

func TestAuthorizeEnforcesDailySpendCap(t *testing.T) {
	auth := NewPolicyAuthorizer(&fakeReader{quest: models.Quest{BudgetRemaining: 10000}, spentToday: 4500})

	d, err := auth.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "max per day")
}

func TestAuthorizeEnforcesWalletVelocity(t *testing.T) {
	auth := NewPolicyAuthorizer(&fakeReader{quest: models.Quest{BudgetRemaining: 10000}, walletPayouts: 3})

	d, err := auth.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "payouts today")
}

func TestAuthorizeVendorAllowList(t *testing.T) {
	auth := NewPolicyAuthorizer(&fakeReader{quest: models.Quest{BudgetRemaining: 10000}})
	req := baseRequest()
	req.Policy.VendorAllowList = []string{"chewy", "petsmart"}
	req.Merchant = "CHEWY.COM Inc"

	d, err := auth.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Authorized)

	req.Merchant = "Home Depot"
	d, err = auth.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Authorized)
	assert.Contains(t, d.Reason, "allow-list")
}
