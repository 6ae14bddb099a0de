package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"questpay/internal/extract"
	"questpay/internal/fault"
	"questpay/internal/models"
	"questpay/internal/receipts"
	"questpay/internal/risk"
	"questpay/internal/telemetry"
	"questpay/internal/verify"
)

// VerifyStore is the persistence surface the verification step needs.
type VerifyStore interface {
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	GetQuest(ctx context.Context, id string) (models.Quest, error)
	UpdateSubmissionStatus(ctx context.Context, id, status string) error
	SaveVerificationResult(ctx context.Context, r models.VerificationResult, fingerprint, fuzzyFingerprint string) error
	EnqueueJob(ctx context.Context, jobType, entityID string) (models.Job, error)
	AppendAudit(ctx context.Context, entityType, entityID, actorID, eventType string, payload map[string]any) error
}

// Assessor is the risk engine surface.
type Assessor interface {
	Assess(ctx context.Context, sub models.Submission, fields models.ReceiptFields) (models.RiskTrace, error)
}

// VerifyHandler runs the full verification pipeline for one submission:
// fetch receipt bytes, extract fields, evaluate predicates, score risk,
// persist the decision, and chain a payout job on approval.
type VerifyHandler struct {
	store          VerifyStore
	fetcher        receipts.Fetcher
	extractor      extract.Extractor
	engine         Assessor
	log            *zap.Logger
	riskThreshold  float64
	extractTimeout time.Duration
	maxImageEdge   int
	maxAttempts    int
}

func NewVerifyHandler(st VerifyStore, fetcher receipts.Fetcher, extractor extract.Extractor, engine Assessor, log *zap.Logger, riskThreshold float64, extractTimeout time.Duration, maxImageEdge, maxAttempts int) *VerifyHandler {
	if riskThreshold <= 0 {
		riskThreshold = 0.5
	}
	if extractTimeout <= 0 {
		extractTimeout = 10 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &VerifyHandler{
		store:          st,
		fetcher:        fetcher,
		extractor:      extractor,
		engine:         engine,
		log:            log,
		riskThreshold:  riskThreshold,
		extractTimeout: extractTimeout,
		maxImageEdge:   maxImageEdge,
		maxAttempts:    maxAttempts,
	}
}

// Handle processes one verify job. A transient failure on the final attempt
// finalizes the submission as failed so it never sits in processing with no
// job left to advance it.
func (h *VerifyHandler) Handle(ctx context.Context, job models.Job) error {
	err := h.handle(ctx, job)
	if err != nil && fault.IsTransient(err) && job.Attempts >= h.maxAttempts {
		h.finalizeExhausted(ctx, job, err)
	}
	return err
}

func (h *VerifyHandler) handle(ctx context.Context, job models.Job) error {
	sub, err := h.store.GetSubmission(ctx, job.EntityID)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "load submission")
	}

	switch sub.Status {
	case models.SubmissionPending, models.SubmissionProcessing:
		// pending on first claim, processing when retrying a transient failure
	default:
		// already decided elsewhere; the job is a duplicate
		h.log.Info("submission already decided, skipping verification",
			zap.String("submission_id", sub.ID), zap.String("status", sub.Status))
		return nil
	}

	if sub.Status == models.SubmissionPending {
		if err := h.store.UpdateSubmissionStatus(ctx, sub.ID, models.SubmissionProcessing); err != nil {
			return fault.Wrap(fault.KindTransient, err, "mark submission processing")
		}
		h.audit(ctx, sub.ID, "verification_started", map[string]any{"job_id": job.ID})
	}

	quest, err := h.store.GetQuest(ctx, sub.QuestID)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "load quest")
	}

	fields, err := h.extractFields(ctx, sub)
	if err != nil {
		return h.failTerminal(ctx, job, sub, err)
	}

	now := time.Now()
	verifierTrace, failReasons, err := verify.Evaluate(quest, sub, fields, now)
	if err != nil {
		return h.failTerminal(ctx, job, sub, err)
	}

	riskTrace, err := h.engine.Assess(ctx, sub, fields)
	if err != nil {
		if fault.IsTransient(err) {
			return err
		}
		return h.failTerminal(ctx, job, sub, err)
	}

	reasons := append([]string{}, failReasons...)
	if riskTrace.Score >= h.riskThreshold {
		reasons = append(reasons, fmt.Sprintf("risk score %.2f is at or above the threshold %.2f", riskTrace.Score, h.riskThreshold))
		for _, flag := range riskTrace.Flags {
			reasons = append(reasons, "risk flag: "+flag)
		}
	}

	decision := models.DecisionApprove
	if len(reasons) > 0 {
		decision = models.DecisionReject
	}

	result := models.VerificationResult{
		SubmissionID: sub.ID,
		Decision:     decision,
		Trace:        models.DecisionTrace{Verifier: verifierTrace, Risk: riskTrace},
		RiskScore:    riskTrace.Score,
		Reasons:      reasons,
	}
	if err := h.store.SaveVerificationResult(ctx, result, risk.Fingerprint(fields), risk.FuzzyFingerprint(fields)); err != nil {
		return fault.Wrap(fault.KindTransient, err, "save verification result")
	}

	status := models.SubmissionRejected
	if decision == models.DecisionApprove {
		status = models.SubmissionApproved
	}
	if err := h.store.UpdateSubmissionStatus(ctx, sub.ID, status); err != nil {
		return fault.Wrap(fault.KindTransient, err, "update submission status")
	}
	telemetry.Verifications.WithLabelValues(decision).Inc()
	h.audit(ctx, sub.ID, "verification_decided", map[string]any{
		"decision":   decision,
		"risk_score": riskTrace.Score,
		"flags":      riskTrace.Flags,
		"reasons":    reasons,
	})

	if decision == models.DecisionApprove {
		if _, err := h.store.EnqueueJob(ctx, models.JobTypePayout, sub.ID); err != nil {
			return fault.Wrap(fault.KindTransient, err, "enqueue payout job")
		}
		h.audit(ctx, sub.ID, "payout_enqueued", nil)
	}

	h.log.Info("submission verified",
		zap.String("submission_id", sub.ID),
		zap.String("quest_id", quest.ID),
		zap.String("decision", decision),
		zap.Float64("risk_score", riskTrace.Score))
	return nil
}

// extractFields fetches receipt bytes, normalizes the image when it decodes,
// and runs extraction under a bounded timeout.
func (h *VerifyHandler) extractFields(ctx context.Context, sub models.Submission) (models.ReceiptFields, error) {
	raw, err := h.fetcher.Fetch(ctx, sub.ContentHash)
	if err != nil {
		return models.ReceiptFields{}, err
	}

	// Normalization is best-effort: bytes that do not decode still go to the
	// extractor, which owns the unreadable verdict (and the fixture fallback).
	if normalized, err := extract.NormalizeImage(raw, h.maxImageEdge); err == nil {
		raw = normalized
	}

	extractCtx, cancel := context.WithTimeout(ctx, h.extractTimeout)
	defer cancel()
	fields, err := h.extractor.Extract(extractCtx, raw, sub.ContentHash)
	if err != nil {
		if extractCtx.Err() != nil && fault.KindOf(err) == fault.KindUnknown {
			return models.ReceiptFields{}, fault.Wrap(fault.KindTransient, err, "extractor timeout")
		}
		return models.ReceiptFields{}, err
	}
	return fields, nil
}

// failTerminal finalizes a non-retryable verification failure: the submission
// is marked failed with the cause preserved, and the error propagates so the
// job records it too.
func (h *VerifyHandler) failTerminal(ctx context.Context, job models.Job, sub models.Submission, cause error) error {
	if fault.IsTransient(cause) {
		return cause
	}
	if err := h.store.UpdateSubmissionStatus(ctx, sub.ID, models.SubmissionFailed); err != nil {
		h.log.Error("mark submission failed", zap.String("submission_id", sub.ID), zap.Error(err))
	}
	h.audit(ctx, sub.ID, "verification_failed", map[string]any{
		"job_id":     job.ID,
		"fault_kind": fault.KindOf(cause).String(),
		"error":      cause.Error(),
	})
	return cause
}

// finalizeExhausted settles a submission whose verify job ran out of transient
// retries. The scheduler is about to finalize the job as failed, so the
// submission must reach a terminal state here or nothing ever will move it.
func (h *VerifyHandler) finalizeExhausted(ctx context.Context, job models.Job, cause error) {
	sub, err := h.store.GetSubmission(ctx, job.EntityID)
	if err != nil {
		h.log.Error("load submission after exhausted retries", zap.String("submission_id", job.EntityID), zap.Error(err))
		return
	}
	switch sub.Status {
	case models.SubmissionPending, models.SubmissionProcessing:
	default:
		return
	}
	if err := h.store.UpdateSubmissionStatus(ctx, sub.ID, models.SubmissionFailed); err != nil {
		h.log.Error("mark submission failed after exhausted retries", zap.String("submission_id", sub.ID), zap.Error(err))
		return
	}
	h.audit(ctx, sub.ID, "verification_failed", map[string]any{
		"job_id":            job.ID,
		"attempts":          job.Attempts,
		"retries_exhausted": true,
		"error":             cause.Error(),
	})
}

// audit appends best-effort: a sink failure is logged, never propagated.
func (h *VerifyHandler) audit(ctx context.Context, submissionID, eventType string, payload map[string]any) {
	if err := h.store.AppendAudit(ctx, "submission", submissionID, "system", eventType, payload); err != nil {
		h.log.Warn("audit append failed",
			zap.String("submission_id", submissionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
