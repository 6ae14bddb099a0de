package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"questpay/internal/models"
)

// CreateSubmissionParams collects intake fields for a new submission.
type CreateSubmissionParams struct {
	QuestID           string
	Wallet            string
	DeviceFingerprint string
	ContentHash       string
	Justification     string
	Zip               string
	ContributorAge    *int
}

// CreateSubmission inserts a pending submission.
func (s *Store) CreateSubmission(ctx context.Context, p CreateSubmissionParams) (models.Submission, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, quest_id, wallet, device_fingerprint, content_hash, justification, zip, contributor_age, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, id, p.QuestID, p.Wallet, p.DeviceFingerprint, p.ContentHash, p.Justification, p.Zip, p.ContributorAge, models.SubmissionPending, now)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return models.Submission{
		ID:                id,
		QuestID:           p.QuestID,
		Wallet:            p.Wallet,
		DeviceFingerprint: p.DeviceFingerprint,
		ContentHash:       p.ContentHash,
		Justification:     p.Justification,
		Zip:               p.Zip,
		ContributorAge:    p.ContributorAge,
		Status:            models.SubmissionPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// GetSubmission fetches a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, quest_id, wallet, device_fingerprint, content_hash, justification, zip, contributor_age, status, created_at, updated_at
		FROM submissions WHERE id = $1
	`, id)

	var sub models.Submission
	var age pgtype.Int4
	err := row.Scan(&sub.ID, &sub.QuestID, &sub.Wallet, &sub.DeviceFingerprint, &sub.ContentHash,
		&sub.Justification, &sub.Zip, &age, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("submission %s not found: %w", id, err)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("scan submission: %w", err)
	}
	if age.Valid {
		v := int(age.Int32)
		sub.ContributorAge = &v
	}
	return sub, nil
}

// UpdateSubmissionStatus moves a submission to a new state.
func (s *Store) UpdateSubmissionStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE submissions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// SaveVerificationResult upserts the decision record for a submission. The
// upsert supports explicit re-verification; the worker only writes once.
func (s *Store) SaveVerificationResult(ctx context.Context, r models.VerificationResult, fingerprint, fuzzyFingerprint string) error {
	traceJSON, err := json.Marshal(r.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	reasonsJSON, err := json.Marshal(r.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO verification_results (submission_id, decision, trace, risk_score, reasons, fingerprint, fuzzy_fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (submission_id) DO UPDATE
		SET decision = EXCLUDED.decision, trace = EXCLUDED.trace, risk_score = EXCLUDED.risk_score,
		    reasons = EXCLUDED.reasons, fingerprint = EXCLUDED.fingerprint,
		    fuzzy_fingerprint = EXCLUDED.fuzzy_fingerprint, created_at = NOW()
	`, r.SubmissionID, r.Decision, traceJSON, r.RiskScore, reasonsJSON, fingerprint, fuzzyFingerprint)
	if err != nil {
		return fmt.Errorf("upsert verification result: %w", err)
	}
	return nil
}

// GetVerificationResult fetches the decision record for a submission.
// found=false when the submission has not been verified yet.
func (s *Store) GetVerificationResult(ctx context.Context, submissionID string) (models.VerificationResult, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT submission_id, decision, trace, risk_score, reasons, created_at
		FROM verification_results WHERE submission_id = $1
	`, submissionID)

	var r models.VerificationResult
	var traceJSON, reasonsJSON []byte
	err := row.Scan(&r.SubmissionID, &r.Decision, &traceJSON, &r.RiskScore, &reasonsJSON, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VerificationResult{}, false, nil
	}
	if err != nil {
		return models.VerificationResult{}, false, fmt.Errorf("scan verification result: %w", err)
	}
	if err := json.Unmarshal(traceJSON, &r.Trace); err != nil {
		return models.VerificationResult{}, false, fmt.Errorf("unmarshal trace: %w", err)
	}
	if err := json.Unmarshal(reasonsJSON, &r.Reasons); err != nil {
		return models.VerificationResult{}, false, fmt.Errorf("unmarshal reasons: %w", err)
	}
	return r, true, nil
}

// HasApprovedDuplicate reports whether another approved or paid submission
// from the same wallet carries an identical receipt fingerprint.
func (s *Store) HasApprovedDuplicate(ctx context.Context, wallet, fingerprint, excludeSubmissionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM submissions sub
			JOIN verification_results vr ON vr.submission_id = sub.id
			WHERE sub.wallet = $1 AND vr.fingerprint = $2 AND sub.id <> $3
			  AND sub.status IN ($4, $5)
		)
	`, wallet, fingerprint, excludeSubmissionID, models.SubmissionApproved, models.SubmissionPaid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query duplicate fingerprint: %w", err)
	}
	return exists, nil
}

// HasRecentSimilar reports whether the same wallet has an approved or paid
// submission with the same amount-insensitive fingerprint since the cutoff.
func (s *Store) HasRecentSimilar(ctx context.Context, wallet, fuzzyFingerprint, excludeSubmissionID string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM submissions sub
			JOIN verification_results vr ON vr.submission_id = sub.id
			WHERE sub.wallet = $1 AND vr.fuzzy_fingerprint = $2 AND sub.id <> $3
			  AND sub.status IN ($4, $5) AND vr.created_at >= $6
		)
	`, wallet, fuzzyFingerprint, excludeSubmissionID, models.SubmissionApproved, models.SubmissionPaid, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query fuzzy fingerprint: %w", err)
	}
	return exists, nil
}

// CountApprovedForDevice counts approved or paid submissions for a device
// within one quest since the cutoff (local midnight for the velocity rule).
// The window filters on the verification timestamp, not updated_at, so a
// later approved-to-paid transition does not pull an old approval into today.
func (s *Store) CountApprovedForDevice(ctx context.Context, questID, deviceFingerprint string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM submissions sub
		JOIN verification_results vr ON vr.submission_id = sub.id
		WHERE sub.quest_id = $1 AND sub.device_fingerprint = $2
		  AND sub.status IN ($3, $4) AND vr.created_at >= $5
	`, questID, deviceFingerprint, models.SubmissionApproved, models.SubmissionPaid, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count device approvals: %w", err)
	}
	return n, nil
}

// SumCompletedPayoutsSince totals completed payout amounts for a quest since
// the cutoff. Used by the spend authorizer's per-day check.
func (s *Store) SumCompletedPayoutsSince(ctx context.Context, questID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payouts
		WHERE quest_id = $1 AND status = $2 AND updated_at >= $3
	`, questID, models.PayoutCompleted, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum completed payouts: %w", err)
	}
	return total, nil
}

// CountWalletPayoutsSince counts completed payouts to one wallet for a quest
// since the cutoff. Used by the spend authorizer's velocity check.
func (s *Store) CountWalletPayoutsSince(ctx context.Context, questID, wallet string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM payouts p
		JOIN submissions sub ON sub.id = p.submission_id
		WHERE p.quest_id = $1 AND sub.wallet = $2 AND p.status = $3 AND p.updated_at >= $4
	`, questID, wallet, models.PayoutCompleted, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count wallet payouts: %w", err)
	}
	return n, nil
}

// Projection assembles the read-only status view for a submission.
func (s *Store) Projection(ctx context.Context, submissionID string) (models.StatusProjection, error) {
	sub, err := s.GetSubmission(ctx, submissionID)
	if err != nil {
		return models.StatusProjection{}, err
	}
	proj := models.StatusProjection{Status: sub.Status}

	if result, found, err := s.GetVerificationResult(ctx, submissionID); err != nil {
		return models.StatusProjection{}, err
	} else if found {
		trace := result.Trace
		proj.DecisionTrace = &trace
		if result.Decision == models.DecisionReject {
			proj.RejectionReasons = result.Reasons
		}
	}

	if payout, found, err := s.GetPayout(ctx, submissionID); err != nil {
		return models.StatusProjection{}, err
	} else if found {
		proj.PayoutStatus = payout.Status
		if payout.Status == models.PayoutCompleted {
			proj.TransferRef = payout.TransferRef
		}
	}
	return proj, nil
}
