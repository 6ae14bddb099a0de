package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"questpay/internal/fault"
	"questpay/internal/models"
)

// GetPayout fetches the payout record for a submission, if one exists.
func (s *Store) GetPayout(ctx context.Context, submissionID string) (models.Payout, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT submission_id, quest_id, amount, transfer_ref, synthetic, status, last_error, created_at, updated_at
		FROM payouts WHERE submission_id = $1
	`, submissionID)

	var p models.Payout
	var lastErr pgtype.Text
	err := row.Scan(&p.SubmissionID, &p.QuestID, &p.Amount, &p.TransferRef, &p.Synthetic, &p.Status, &lastErr, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payout{}, false, nil
	}
	if err != nil {
		return models.Payout{}, false, fmt.Errorf("scan payout: %w", err)
	}
	p.LastError = textPtr(lastErr)
	return p, true, nil
}

// UpsertPayoutProcessing creates the payout row lazily on the first attempt,
// or puts an existing non-completed row back into processing for a retry.
// Completed payouts are left untouched.
func (s *Store) UpsertPayoutProcessing(ctx context.Context, submissionID, questID string, amount int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payouts (submission_id, quest_id, amount, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (submission_id) DO UPDATE
		SET status = $4, updated_at = NOW()
		WHERE payouts.status <> $5
	`, submissionID, questID, amount, models.PayoutProcessing, models.PayoutCompleted)
	if err != nil {
		return fmt.Errorf("upsert payout: %w", err)
	}
	return nil
}

// MarkPayoutFailed records a terminal payout failure with the error preserved.
func (s *Store) MarkPayoutFailed(ctx context.Context, submissionID string, cause error) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payouts SET status = $2, last_error = $3, updated_at = NOW()
		WHERE submission_id = $1 AND status <> $4
	`, submissionID, models.PayoutFailed, cause.Error(), models.PayoutCompleted)
	if err != nil {
		return fmt.Errorf("mark payout failed: %w", err)
	}
	return nil
}

// SettleFunc authorizes the spend and obtains a transfer reference while the
// quest row is locked. Returning an error aborts the transaction, which undoes
// the pending debit atomically.
type SettleFunc func(ctx context.Context, quest models.Quest) (transferRef string, synthetic bool, err error)

// ExecutePayoutTx runs the budget-locking settlement transaction:
// lock the quest row, re-check the remaining budget, run the settle callback
// (spend authorization + transfer), decrement the budget, persist the payout
// as completed, mark the submission paid, and append the audit event in one
// atomic unit. A failure at any step rolls everything back, so the budget is
// never debited without a completed payout.
func (s *Store) ExecutePayoutTx(ctx context.Context, submissionID string, settle SettleFunc, auditPayload map[string]any) (models.Payout, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "begin payout tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var questID string
	var amount int64
	err = tx.QueryRow(ctx, `
		SELECT quest_id, amount FROM payouts WHERE submission_id = $1
	`, submissionID).Scan(&questID, &amount)
	if err != nil {
		return models.Payout{}, fmt.Errorf("load payout row: %w", err)
	}

	quest, err := scanQuest(tx.QueryRow(ctx, `
		SELECT id, name, currency, unit_amount, budget_total, budget_remaining, predicates, policy, created_at
		FROM quests WHERE id = $1
		FOR UPDATE
	`, questID))
	if err != nil {
		return models.Payout{}, fmt.Errorf("lock quest row: %w", err)
	}

	if quest.BudgetRemaining < amount {
		return models.Payout{}, fault.New(fault.KindPolicy,
			"budget exhausted for quest %s: remaining %d < unit amount %d", questID, quest.BudgetRemaining, amount)
	}

	transferRef, synthetic, err := settle(ctx, quest)
	if err != nil {
		return models.Payout{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quests SET budget_remaining = budget_remaining - $2 WHERE id = $1
	`, questID, amount); err != nil {
		return models.Payout{}, fmt.Errorf("decrement budget: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payouts SET status = $2, transfer_ref = $3, synthetic = $4, last_error = NULL, updated_at = NOW()
		WHERE submission_id = $1
	`, submissionID, models.PayoutCompleted, transferRef, synthetic); err != nil {
		return models.Payout{}, fmt.Errorf("complete payout: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE submissions SET status = $2, updated_at = NOW() WHERE id = $1
	`, submissionID, models.SubmissionPaid); err != nil {
		return models.Payout{}, fmt.Errorf("mark submission paid: %w", err)
	}

	payloadJSON, err := json.Marshal(auditPayload)
	if err != nil {
		return models.Payout{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, actor_id, event_type, payload)
		VALUES ('payout', $1, 'system', 'payout_completed', $2)
	`, submissionID, payloadJSON); err != nil {
		return models.Payout{}, fmt.Errorf("append payout audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Payout{}, fault.Wrap(fault.KindTransient, err, "commit payout tx")
	}

	payout, found, err := s.GetPayout(ctx, submissionID)
	if err != nil {
		return models.Payout{}, fmt.Errorf("reload payout after commit: %w", err)
	}
	if !found {
		return models.Payout{}, fmt.Errorf("payout for submission %s missing after commit", submissionID)
	}
	return payout, nil
}
