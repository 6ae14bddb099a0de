package payout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"questpay/internal/authorize"
	"questpay/internal/fault"
	"questpay/internal/models"
	"questpay/internal/store"
)

// memStore mimics the Postgres store in memory. The mutex stands in for the
// quest row lock: settle runs while it is held, and an error from settle
// leaves every record untouched, like a transaction rollback.
type memStore struct {
	mu      sync.Mutex
	quest   models.Quest
	subs    map[string]*models.Submission
	results map[string]models.VerificationResult
	payouts map[string]*models.Payout
	audits  []string
}

func newMemStore(quest models.Quest) *memStore {
	return &memStore{
		quest:   quest,
		subs:    map[string]*models.Submission{},
		results: map[string]models.VerificationResult{},
		payouts: map[string]*models.Payout{},
	}
}

func (m *memStore) addApproved(id string) {
	m.subs[id] = &models.Submission{ID: id, QuestID: m.quest.ID, Wallet: "wallet-" + id, Status: models.SubmissionApproved}
	m.results[id] = models.VerificationResult{SubmissionID: id, Decision: models.DecisionApprove}
}

func (m *memStore) GetSubmission(_ context.Context, id string) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.subs[id], nil
}

func (m *memStore) GetQuest(_ context.Context, _ string) (models.Quest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quest, nil
}

func (m *memStore) GetVerificationResult(_ context.Context, id string) (models.VerificationResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	return r, ok, nil
}

func (m *memStore) GetPayout(_ context.Context, id string) (models.Payout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[id]; ok {
		return *p, true, nil
	}
	return models.Payout{}, false, nil
}

func (m *memStore) UpsertPayoutProcessing(_ context.Context, id, questID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[id]; ok {
		if p.Status != models.PayoutCompleted {
			p.Status = models.PayoutProcessing
		}
		return nil
	}
	m.payouts[id] = &models.Payout{SubmissionID: id, QuestID: questID, Amount: amount, Status: models.PayoutProcessing}
	return nil
}

func (m *memStore) MarkPayoutFailed(_ context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[id]; ok && p.Status != models.PayoutCompleted {
		p.Status = models.PayoutFailed
		msg := cause.Error()
		p.LastError = &msg
	}
	return nil
}

func (m *memStore) UpdateSubmissionStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id].Status = status
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, _, _, _, eventType string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, eventType)
	return nil
}

func (m *memStore) ExecutePayoutTx(ctx context.Context, id string, settle store.SettleFunc, _ map[string]any) (models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payouts[id]
	if m.quest.BudgetRemaining < p.Amount {
		return models.Payout{}, fault.New(fault.KindPolicy,
			"budget exhausted for quest %s: remaining %d < unit amount %d", m.quest.ID, m.quest.BudgetRemaining, p.Amount)
	}
	ref, synthetic, err := settle(ctx, m.quest)
	if err != nil {
		return models.Payout{}, err
	}
	m.quest.BudgetRemaining -= p.Amount
	p.Status = models.PayoutCompleted
	p.TransferRef = ref
	p.Synthetic = synthetic
	m.subs[id].Status = models.SubmissionPaid
	m.audits = append(m.audits, "payout_completed")
	out := *p
	return out, nil
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, authorize.Request) (authorize.Decision, error) {
	return authorize.Decision{Authorized: true}, nil
}

type denyAll struct{ reason string }

func (d denyAll) Authorize(context.Context, authorize.Request) (authorize.Decision, error) {
	return authorize.Decision{Reason: d.reason}, nil
}

// flakyRail fails with transient errors for the first n calls.
type flakyRail struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRail) Synthetic() bool { return true }

func (r *flakyRail) Transfer(_ context.Context, submissionID, _ string, _ int64, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return "", fault.New(fault.KindTransient, "transfer rail connection reset")
	}
	return "ref-" + submissionID, nil
}

func testQuest() models.Quest {
	return models.Quest{ID: "quest-1", Currency: "USD", UnitAmount: 10, BudgetTotal: 100, BudgetRemaining: 100}
}

func newExecutor(st Store, auth authorize.Authorizer, rail Rail) *Executor {
	return NewExecutor(st, auth, rail, zap.NewNop(), time.Second, time.Second)
}

func TestExecuteHappyPath(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	exec := newExecutor(st, allowAll{}, NewSyntheticRail())

	p, err := exec.Execute(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutCompleted, p.Status)
	assert.NotEmpty(t, p.TransferRef)
	assert.True(t, p.Synthetic)
	assert.Equal(t, int64(90), st.quest.BudgetRemaining)
	assert.Equal(t, models.SubmissionPaid, st.subs["s1"].Status)
}

func TestExecuteIsIdempotentOnCompletedPayout(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	exec := newExecutor(st, allowAll{}, NewSyntheticRail())

	first, err := exec.Execute(context.Background(), "s1")
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, first.TransferRef, second.TransferRef)
	assert.Equal(t, int64(90), st.quest.BudgetRemaining, "budget must be debited exactly once")
}

func TestExecuteRejectsNonApprovedSubmission(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	st.subs["s1"].Status = models.SubmissionRejected
	exec := newExecutor(st, allowAll{}, NewSyntheticRail())

	_, err := exec.Execute(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Equal(t, int64(100), st.quest.BudgetRemaining)
}

func TestExecuteRequiresVerificationResult(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	delete(st.results, "s1")
	exec := newExecutor(st, allowAll{}, NewSyntheticRail())

	_, err := exec.Execute(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestAuthorizerRejectionLeavesSubmissionApproved(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	exec := newExecutor(st, denyAll{reason: "velocity exceeded"}, NewSyntheticRail())

	_, err := exec.Execute(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicy, fault.KindOf(err))
	assert.Equal(t, models.PayoutFailed, st.payouts["s1"].Status)
	assert.Equal(t, models.SubmissionApproved, st.subs["s1"].Status, "pre-authorization failure keeps the submission approved")
	assert.Equal(t, int64(100), st.quest.BudgetRemaining)
}

func TestTransientTransferFailureThenSuccess(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	rail := &flakyRail{failures: 1}
	exec := newExecutor(st, allowAll{}, rail)

	_, err := exec.Execute(context.Background(), "s1")
	require.Error(t, err)
	require.True(t, fault.IsTransient(err))
	assert.Equal(t, int64(100), st.quest.BudgetRemaining, "rollback must recredit the staged debit")
	assert.Equal(t, models.PayoutProcessing, st.payouts["s1"].Status)
	assert.Contains(t, st.audits, "payout_recredited")

	p, err := exec.Execute(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutCompleted, p.Status)
	assert.Equal(t, int64(90), st.quest.BudgetRemaining, "exactly one debit across both attempts")
	assert.Equal(t, 2, rail.calls)
}

func TestConcurrentPayoutsNeverOverspend(t *testing.T) {
	quest := testQuest()
	quest.BudgetTotal = 10
	quest.BudgetRemaining = 10
	st := newMemStore(quest)
	st.addApproved("s1")
	st.addApproved("s2")
	exec := newExecutor(st, allowAll{}, NewSyntheticRail())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = exec.Execute(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	var succeeded, budgetFailed int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if fault.KindOf(err) == fault.KindPolicy {
			budgetFailed++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one payout wins the budget")
	assert.Equal(t, 1, budgetFailed, "the loser fails with a policy violation")
	assert.Equal(t, int64(0), st.quest.BudgetRemaining, "budget never goes negative")
}

func TestFinalizeExhaustedMarksPayoutFailed(t *testing.T) {
	st := newMemStore(testQuest())
	st.addApproved("s1")
	require.NoError(t, st.UpsertPayoutProcessing(context.Background(), "s1", "quest-1", 10))
	exec := newExecutor(st, allowAll{}, NewSyntheticRail())

	exec.FinalizeExhausted(context.Background(), "s1", fault.New(fault.KindTransient, "rail unreachable"))
	assert.Equal(t, models.PayoutFailed, st.payouts["s1"].Status)
	assert.Equal(t, models.SubmissionApproved, st.subs["s1"].Status)
}
