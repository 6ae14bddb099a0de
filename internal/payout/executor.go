// Package payout executes approved spends: exactly one budget debit per paid
// submission, idempotent completion, and a compensating recredit (transaction
// rollback) whenever the transfer fails after the debit was staged.
package payout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"questpay/internal/authorize"
	"questpay/internal/fault"
	"questpay/internal/models"
	"questpay/internal/store"
	"questpay/internal/telemetry"
)

// Store is the persistence surface the executor needs.
type Store interface {
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	GetQuest(ctx context.Context, id string) (models.Quest, error)
	GetVerificationResult(ctx context.Context, submissionID string) (models.VerificationResult, bool, error)
	GetPayout(ctx context.Context, submissionID string) (models.Payout, bool, error)
	UpsertPayoutProcessing(ctx context.Context, submissionID, questID string, amount int64) error
	MarkPayoutFailed(ctx context.Context, submissionID string, cause error) error
	UpdateSubmissionStatus(ctx context.Context, id, status string) error
	ExecutePayoutTx(ctx context.Context, submissionID string, settle store.SettleFunc, auditPayload map[string]any) (models.Payout, error)
	AppendAudit(ctx context.Context, entityType, entityID, actorID, eventType string, payload map[string]any) error
}

// Executor drives a single payout attempt for an approved submission.
// Transient failures are surfaced to the caller for retry; policy and
// validation failures are finalized here.
type Executor struct {
	store            Store
	authorizer       authorize.Authorizer
	rail             Rail
	log              *zap.Logger
	authorizeTimeout time.Duration
	transferTimeout  time.Duration
}

func NewExecutor(st Store, auth authorize.Authorizer, rail Rail, log *zap.Logger, authorizeTimeout, transferTimeout time.Duration) *Executor {
	if authorizeTimeout <= 0 {
		authorizeTimeout = 5 * time.Second
	}
	if transferTimeout <= 0 {
		transferTimeout = 15 * time.Second
	}
	return &Executor{
		store:            st,
		authorizer:       auth,
		rail:             rail,
		log:              log,
		authorizeTimeout: authorizeTimeout,
		transferTimeout:  transferTimeout,
	}
}

// Execute runs one payout attempt. Calling it on an already completed payout
// returns the existing transfer reference without touching the budget again.
func (e *Executor) Execute(ctx context.Context, submissionID string) (models.Payout, error) {
	if existing, found, err := e.store.GetPayout(ctx, submissionID); err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "load payout")
	} else if found && existing.Status == models.PayoutCompleted {
		return existing, nil
	}

	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "load submission")
	}
	if sub.Status != models.SubmissionApproved {
		return models.Payout{}, fault.New(fault.KindValidation,
			"submission %s has status %s, payout requires approved", submissionID, sub.Status)
	}

	result, found, err := e.store.GetVerificationResult(ctx, submissionID)
	if err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "load verification result")
	}
	if !found {
		return models.Payout{}, fault.New(fault.KindValidation,
			"submission %s is approved but has no verification result", submissionID)
	}

	quest, err := e.store.GetQuest(ctx, sub.QuestID)
	if err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "load quest")
	}

	if err := e.store.UpsertPayoutProcessing(ctx, submissionID, quest.ID, quest.UnitAmount); err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "stage payout")
	}

	// authorized flips once the spend authorizer approves; it decides whether
	// a later failure counts as post-authorization.
	authorized := false
	settle := func(ctx context.Context, locked models.Quest) (string, bool, error) {
		authCtx, cancel := context.WithTimeout(ctx, e.authorizeTimeout)
		decision, err := e.authorizer.Authorize(authCtx, authorize.Request{
			Policy:            locked.Policy,
			Amount:            locked.UnitAmount,
			Wallet:            sub.Wallet,
			QuestID:           locked.ID,
			DeviceFingerprint: sub.DeviceFingerprint,
			Merchant:          result.Trace.Verifier.Fields.Merchant,
		})
		cancel()
		if err != nil {
			return "", false, err
		}
		if !decision.Authorized {
			return "", false, fault.New(fault.KindPolicy, "spend authorization rejected: %s", decision.Reason)
		}
		authorized = true

		transferCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
		defer cancel()
		ref, err := e.rail.Transfer(transferCtx, submissionID, sub.Wallet, locked.UnitAmount, locked.Currency)
		if err != nil {
			return "", false, err
		}
		return ref, e.rail.Synthetic(), nil
	}

	payout, err := e.store.ExecutePayoutTx(ctx, submissionID, settle, e.auditPayload(sub, quest, result))
	if err != nil {
		return models.Payout{}, e.finalizeFailure(ctx, sub, authorized, err)
	}

	e.log.Info("payout completed",
		zap.String("submission_id", submissionID),
		zap.String("quest_id", quest.ID),
		zap.Int64("amount", quest.UnitAmount),
		zap.String("transfer_ref", payout.TransferRef),
		zap.Bool("synthetic", payout.Synthetic))
	return payout, nil
}

// finalizeFailure settles the books after a failed attempt. Transient errors
// are handed back for retry with the payout still in processing. Policy and
// validation failures are terminal: the payout is marked failed, and the
// submission moves to failed only when the spend had already been authorized
// (the debit was recredited by the transaction rollback).
func (e *Executor) finalizeFailure(ctx context.Context, sub models.Submission, authorized bool, cause error) error {
	if authorized {
		telemetry.PayoutsRecredited.Inc()
		if err := e.store.AppendAudit(ctx, "payout", sub.ID, "system", "payout_recredited", map[string]any{
			"error": cause.Error(),
		}); err != nil {
			e.log.Warn("audit append failed", zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}
	if fault.IsTransient(cause) {
		return cause
	}

	if err := e.store.MarkPayoutFailed(ctx, sub.ID, cause); err != nil {
		e.log.Error("mark payout failed", zap.String("submission_id", sub.ID), zap.Error(err))
	}
	if authorized {
		if err := e.store.UpdateSubmissionStatus(ctx, sub.ID, models.SubmissionFailed); err != nil {
			e.log.Error("update submission after payout failure", zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}
	return cause
}

// FinalizeExhausted marks the payout failed after transient retries ran out.
// The submission stays approved and remains eligible for a manual retry.
func (e *Executor) FinalizeExhausted(ctx context.Context, submissionID string, cause error) {
	if err := e.store.MarkPayoutFailed(ctx, submissionID, cause); err != nil {
		e.log.Error("mark payout failed after retries", zap.String("submission_id", submissionID), zap.Error(err))
	}
}

func (e *Executor) auditPayload(sub models.Submission, quest models.Quest, result models.VerificationResult) map[string]any {
	justHash := sha256.Sum256([]byte(sub.Justification))
	railName := "http"
	if e.rail.Synthetic() {
		railName = "synthetic"
	}
	return map[string]any{
		"quest_id":             quest.ID,
		"wallet":               sub.Wallet,
		"amount":               quest.UnitAmount,
		"currency":             quest.Currency,
		"risk_score":           result.RiskScore,
		"decision_trace":       result.Trace,
		"justification_sha256": hex.EncodeToString(justHash[:]),
		"stages":               []string{"verifier", "risk_engine", "spend_authorizer", "rail:" + railName},
	}
}
