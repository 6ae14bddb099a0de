package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"questpay/internal/extract"
	"questpay/internal/fault"
	"questpay/internal/models"
)

type fakeVerifyStore struct {
	submissions map[string]models.Submission
	quests      map[string]models.Quest

	savedResult      *models.VerificationResult
	savedFingerprint string
	enqueued         []string
	audits           []string
}

func newFakeVerifyStore() *fakeVerifyStore {
	return &fakeVerifyStore{
		submissions: make(map[string]models.Submission),
		quests:      make(map[string]models.Quest),
	}
}

func (f *fakeVerifyStore) GetSubmission(_ context.Context, id string) (models.Submission, error) {
	return f.submissions[id], nil
}

func (f *fakeVerifyStore) GetQuest(_ context.Context, id string) (models.Quest, error) {
	return f.quests[id], nil
}

func (f *fakeVerifyStore) UpdateSubmissionStatus(_ context.Context, id, status string) error {
	sub := f.submissions[id]
	sub.Status = status
	f.submissions[id] = sub
	return nil
}

func (f *fakeVerifyStore) SaveVerificationResult(_ context.Context, r models.VerificationResult, fingerprint, _ string) error {
	f.savedResult = &r
	f.savedFingerprint = fingerprint
	return nil
}

func (f *fakeVerifyStore) EnqueueJob(_ context.Context, jobType, entityID string) (models.Job, error) {
	f.enqueued = append(f.enqueued, jobType+":"+entityID)
	return models.Job{ID: "job-next", Type: jobType, EntityID: entityID}, nil
}

func (f *fakeVerifyStore) AppendAudit(_ context.Context, _, _, _, eventType string, _ map[string]any) error {
	f.audits = append(f.audits, eventType)
	return nil
}

type fetcherFunc func(ctx context.Context, contentHash string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	return f(ctx, contentHash)
}

type assessorFunc func(ctx context.Context, sub models.Submission, fields models.ReceiptFields) (models.RiskTrace, error)

func (f assessorFunc) Assess(ctx context.Context, sub models.Submission, fields models.ReceiptFields) (models.RiskTrace, error) {
	return f(ctx, sub, fields)
}

func staticFetcher(data []byte) fetcherFunc {
	return func(context.Context, string) ([]byte, error) { return data, nil }
}

func staticExtractor(fields models.ReceiptFields) extract.Func {
	return func(context.Context, []byte, string) (models.ReceiptFields, error) { return fields, nil }
}

func staticAssessor(trace models.RiskTrace) assessorFunc {
	return func(context.Context, models.Submission, models.ReceiptFields) (models.RiskTrace, error) {
		return trace, nil
	}
}

func chewyQuest() models.Quest {
	return models.Quest{
		ID:         "quest-1",
		UnitAmount: 500,
		Predicates: []models.Predicate{
			{Kind: models.PredicateMerchant, Merchants: []string{"Chewy"}},
			{Kind: models.PredicateAmount, Operator: models.OpLTE, AmountMinor: 10000},
		},
	}
}

func pendingSubmission() models.Submission {
	return models.Submission{
		ID:          "sub-1",
		QuestID:     "quest-1",
		Wallet:      "0xabc",
		ContentHash: "hash-1",
		Status:      models.SubmissionPending,
	}
}

func chewyFields() models.ReceiptFields {
	return models.ReceiptFields{
		Merchant:    "Chewy.com",
		DateISO:     time.Now().Format("2006-01-02"),
		AmountMinor: 2833,
		Confidence:  0.97,
	}
}

func TestVerifyHandlerApprovesAndChainsPayout(t *testing.T) {
	store := newFakeVerifyStore()
	store.quests["quest-1"] = chewyQuest()
	store.submissions["sub-1"] = pendingSubmission()

	h := NewVerifyHandler(store,
		staticFetcher([]byte("receipt-bytes")),
		staticExtractor(chewyFields()),
		staticAssessor(models.RiskTrace{Score: 0.1}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", Type: models.JobTypeVerify, EntityID: "sub-1", Attempts: 1})
	require.NoError(t, err)

	require.Equal(t, models.SubmissionApproved, store.submissions["sub-1"].Status)
	require.NotNil(t, store.savedResult)
	require.Equal(t, models.DecisionApprove, store.savedResult.Decision)
	require.Empty(t, store.savedResult.Reasons)
	require.NotEmpty(t, store.savedFingerprint)
	require.Equal(t, []string{"payout:sub-1"}, store.enqueued)
	require.Contains(t, store.audits, "verification_started")
	require.Contains(t, store.audits, "verification_decided")
	require.Contains(t, store.audits, "payout_enqueued")
}

func TestVerifyHandlerRejectsOnPredicateFailure(t *testing.T) {
	store := newFakeVerifyStore()
	store.quests["quest-1"] = chewyQuest()
	store.submissions["sub-1"] = pendingSubmission()

	fields := chewyFields()
	fields.Merchant = "Petco"

	h := NewVerifyHandler(store,
		staticFetcher([]byte("receipt-bytes")),
		staticExtractor(fields),
		staticAssessor(models.RiskTrace{Score: 0.1}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", EntityID: "sub-1", Attempts: 1})
	require.NoError(t, err)

	require.Equal(t, models.SubmissionRejected, store.submissions["sub-1"].Status)
	require.Equal(t, models.DecisionReject, store.savedResult.Decision)
	require.NotEmpty(t, store.savedResult.Reasons)
	require.Empty(t, store.enqueued, "rejected submissions must not chain a payout")
}

func TestVerifyHandlerRejectsOnRiskThreshold(t *testing.T) {
	store := newFakeVerifyStore()
	store.quests["quest-1"] = chewyQuest()
	store.submissions["sub-1"] = pendingSubmission()

	h := NewVerifyHandler(store,
		staticFetcher([]byte("receipt-bytes")),
		staticExtractor(chewyFields()),
		staticAssessor(models.RiskTrace{Score: 1.0, Flags: []string{"duplicate_receipt"}}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", EntityID: "sub-1", Attempts: 1})
	require.NoError(t, err)

	require.Equal(t, models.SubmissionRejected, store.submissions["sub-1"].Status)
	require.Contains(t, store.savedResult.Reasons, "risk flag: duplicate_receipt")
	require.Empty(t, store.enqueued)
}

func TestVerifyHandlerSkipsDecidedSubmission(t *testing.T) {
	store := newFakeVerifyStore()
	sub := pendingSubmission()
	sub.Status = models.SubmissionApproved
	store.submissions["sub-1"] = sub

	h := NewVerifyHandler(store,
		staticFetcher(nil),
		staticExtractor(models.ReceiptFields{}),
		staticAssessor(models.RiskTrace{}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	err := h.Handle(context.Background(), models.Job{ID: "job-dup", EntityID: "sub-1", Attempts: 1})
	require.NoError(t, err)
	require.Nil(t, store.savedResult, "a decided submission must not be re-verified")
	require.Empty(t, store.enqueued)
}

func TestVerifyHandlerFailsSubmissionOnUnreadableReceipt(t *testing.T) {
	store := newFakeVerifyStore()
	store.quests["quest-1"] = chewyQuest()
	store.submissions["sub-1"] = pendingSubmission()

	h := NewVerifyHandler(store,
		staticFetcher([]byte("not-an-image")),
		extract.Func(func(context.Context, []byte, string) (models.ReceiptFields, error) {
			return models.ReceiptFields{}, fault.New(fault.KindExtraction, "no readable text")
		}),
		staticAssessor(models.RiskTrace{}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", EntityID: "sub-1", Attempts: 1})
	require.Error(t, err)
	require.Equal(t, fault.KindExtraction, fault.KindOf(err))
	require.Equal(t, models.SubmissionFailed, store.submissions["sub-1"].Status)
	require.Contains(t, store.audits, "verification_failed")
}

func TestVerifyHandlerPropagatesTransientRiskError(t *testing.T) {
	store := newFakeVerifyStore()
	store.quests["quest-1"] = chewyQuest()
	store.submissions["sub-1"] = pendingSubmission()

	h := NewVerifyHandler(store,
		staticFetcher([]byte("receipt-bytes")),
		staticExtractor(chewyFields()),
		assessorFunc(func(context.Context, models.Submission, models.ReceiptFields) (models.RiskTrace, error) {
			return models.RiskTrace{}, fault.New(fault.KindTransient, "history lookup timed out")
		}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", EntityID: "sub-1", Attempts: 1})
	require.Error(t, err)
	require.True(t, fault.IsTransient(err))

	// The submission stays in processing so a requeued job can resume it.
	require.Equal(t, models.SubmissionProcessing, store.submissions["sub-1"].Status)
	require.Nil(t, store.savedResult)
}

func TestVerifyHandlerFailsSubmissionAfterExhaustedRetries(t *testing.T) {
	store := newFakeVerifyStore()
	store.quests["quest-1"] = chewyQuest()
	sub := pendingSubmission()
	sub.Status = models.SubmissionProcessing
	store.submissions["sub-1"] = sub

	h := NewVerifyHandler(store,
		staticFetcher([]byte("receipt-bytes")),
		staticExtractor(chewyFields()),
		assessorFunc(func(context.Context, models.Submission, models.ReceiptFields) (models.RiskTrace, error) {
			return models.RiskTrace{}, fault.New(fault.KindTransient, "history lookup timed out")
		}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	// Final attempt: the error still propagates for the job record, but the
	// submission must not be left in processing with no job to advance it.
	err := h.Handle(context.Background(), models.Job{ID: "job-1", EntityID: "sub-1", Attempts: 3})
	require.Error(t, err)
	require.True(t, fault.IsTransient(err))
	require.Equal(t, models.SubmissionFailed, store.submissions["sub-1"].Status)
	require.Contains(t, store.audits, "verification_failed")
}

func TestSchedulerNeverStrandsSubmissionInProcessing(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.add("job-1", models.JobTypeVerify, "sub-1")

	subs := newFakeVerifyStore()
	subs.quests["quest-1"] = chewyQuest()
	subs.submissions["sub-1"] = pendingSubmission()

	h := NewVerifyHandler(subs,
		staticFetcher([]byte("receipt-bytes")),
		staticExtractor(chewyFields()),
		assessorFunc(func(context.Context, models.Submission, models.ReceiptFields) (models.RiskTrace, error) {
			return models.RiskTrace{}, fault.New(fault.KindTransient, "history lookup timed out")
		}),
		zap.NewNop(), 0.5, time.Second, 0, 3)

	s := newTestScheduler(jobs)
	s.RegisterHandler(models.JobTypeVerify, h.Handle)

	for i := 0; i < 5; i++ {
		jobs.now = jobs.now.Add(time.Minute)
		s.tick(context.Background(), 0)
	}

	require.Equal(t, models.JobFailed, jobs.jobs["job-1"].Status)
	require.Equal(t, models.SubmissionFailed, subs.submissions["sub-1"].Status,
		"a failed verify job must leave the submission in a terminal state")
}
