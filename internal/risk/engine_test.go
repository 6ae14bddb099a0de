package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questpay/internal/models"
)

type fakeHistory struct {
	duplicates map[string]bool
	similar    map[string]bool
	approvals  int
	lastSince  time.Time
}

func (f *fakeHistory) HasApprovedDuplicate(_ context.Context, wallet, fingerprint, _ string) (bool, error) {
	return f.duplicates[wallet+"|"+fingerprint], nil
}

func (f *fakeHistory) HasRecentSimilar(_ context.Context, wallet, fuzzy, _ string, since time.Time) (bool, error) {
	f.lastSince = since
	return f.similar[wallet+"|"+fuzzy], nil
}

func (f *fakeHistory) CountApprovedForDevice(_ context.Context, _, _ string, since time.Time) (int, error) {
	f.lastSince = since
	return f.approvals, nil
}

var chewyFields = models.ReceiptFields{Merchant: "Chewy", DateISO: "2025-01-15", AmountMinor: 2833}

func TestDuplicateFingerprintForcesMaxRisk(t *testing.T) {
	hist := &fakeHistory{duplicates: map[string]bool{
		"wallet-1|" + Fingerprint(chewyFields): true,
	}}
	engine := NewEngine(hist, 3, false)

	trace, err := engine.Assess(context.Background(), models.Submission{ID: "s2", Wallet: "wallet-1"}, chewyFields)
	require.NoError(t, err)
	assert.Equal(t, 1.0, trace.Score)
	assert.Equal(t, []string{FlagDuplicate}, trace.Flags)
}

func TestFingerprintIsCaseAndAmountSensitive(t *testing.T) {
	upper := models.ReceiptFields{Merchant: "CHEWY", DateISO: "2025-01-15", AmountMinor: 2833}
	assert.Equal(t, Fingerprint(chewyFields), Fingerprint(upper))

	other := models.ReceiptFields{Merchant: "Chewy", DateISO: "2025-01-15", AmountMinor: 2834}
	assert.NotEqual(t, Fingerprint(chewyFields), Fingerprint(other))
	assert.Equal(t, FuzzyFingerprint(chewyFields), FuzzyFingerprint(other))
}

func TestFuzzyMatchRaisesButDoesNotForceReject(t *testing.T) {
	hist := &fakeHistory{similar: map[string]bool{
		"wallet-1|" + FuzzyFingerprint(chewyFields): true,
	}}
	engine := NewEngine(hist, 3, false)

	trace, err := engine.Assess(context.Background(), models.Submission{ID: "s2", Wallet: "wallet-1"}, chewyFields)
	require.NoError(t, err)
	assert.Equal(t, 0.5, trace.Score)
	assert.Contains(t, trace.Flags, FlagSimilarRecent)
}

func TestVelocityCapRaisesRisk(t *testing.T) {
	hist := &fakeHistory{approvals: 3}
	engine := NewEngine(hist, 3, false)

	trace, err := engine.Assess(context.Background(), models.Submission{ID: "s1", DeviceFingerprint: "dev-1"}, chewyFields)
	require.NoError(t, err)
	assert.Equal(t, 0.5, trace.Score)
	assert.Contains(t, trace.Flags, FlagDeviceVelocity)

	midnight := hist.lastSince
	assert.Equal(t, 0, midnight.Hour())
	assert.Equal(t, 0, midnight.Minute())
}

func TestUnderVelocityCapIsClean(t *testing.T) {
	hist := &fakeHistory{approvals: 2}
	engine := NewEngine(hist, 3, false)

	trace, err := engine.Assess(context.Background(), models.Submission{ID: "s1"}, chewyFields)
	require.NoError(t, err)
	assert.Equal(t, 0.0, trace.Score)
	assert.Empty(t, trace.Flags)
	assert.Nil(t, trace.QualityScore)
}

func TestQualityScoringIsInformationalOnly(t *testing.T) {
	engine := NewEngine(&fakeHistory{}, 3, true)

	trace, err := engine.Assess(context.Background(), models.Submission{ID: "s1", Justification: "ok"}, chewyFields)
	require.NoError(t, err)
	require.NotNil(t, trace.QualityScore)
	assert.Less(t, *trace.QualityScore, 1.0)
	assert.Equal(t, 0.0, trace.Score, "quality never affects the risk score")
}

func TestScoreJustification(t *testing.T) {
	assert.Equal(t, 1.0, ScoreJustification("Bought dog food and a leash at the pet store"))
	assert.Less(t, ScoreJustification("nice"), 0.5)
	assert.Less(t, ScoreJustification("great product would recommend to everyone always"), 1.0)
	assert.GreaterOrEqual(t, ScoreJustification(""), 0.0)
}
