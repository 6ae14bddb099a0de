package worker

import (
	"context"

	"go.uber.org/zap"

	"questpay/internal/fault"
	"questpay/internal/models"
	"questpay/internal/payout"
	"questpay/internal/telemetry"
)

// PayoutHandler bridges payout jobs to the executor. Transient failures
// propagate for requeue-with-backoff; once the job's attempt budget is spent,
// the payout record is finalized as failed while the submission stays
// approved for a manual retry.
type PayoutHandler struct {
	exec        *payout.Executor
	log         *zap.Logger
	maxAttempts int
}

func NewPayoutHandler(exec *payout.Executor, log *zap.Logger, maxAttempts int) *PayoutHandler {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &PayoutHandler{exec: exec, log: log, maxAttempts: maxAttempts}
}

// Handle processes one payout job.
func (h *PayoutHandler) Handle(ctx context.Context, job models.Job) error {
	p, err := h.exec.Execute(ctx, job.EntityID)
	if err != nil {
		if fault.IsTransient(err) && job.Attempts >= h.maxAttempts {
			h.exec.FinalizeExhausted(ctx, job.EntityID, err)
		}
		return err
	}

	telemetry.PayoutsCompleted.Inc()
	h.log.Info("payout settled",
		zap.String("submission_id", p.SubmissionID),
		zap.String("quest_id", p.QuestID),
		zap.Int64("amount", p.Amount),
		zap.String("transfer_ref", p.TransferRef))
	return nil
}
