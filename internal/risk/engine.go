// Package risk scores submissions for fraud. The canonical duplicate check is
// the strict receipt fingerprint: an exact match against a prior approved
// submission from the same wallet is the strongest possible reject and
// short-circuits everything else.
package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"questpay/internal/fault"
	"questpay/internal/models"
)

// Flags attached to risky submissions.
const (
	FlagDuplicate      = "duplicate_fingerprint"
	FlagSimilarRecent  = "similar_recent_submission"
	FlagDeviceVelocity = "device_velocity"
)

const similarWindow = 7 * 24 * time.Hour

// History is the read side the engine needs from persistence.
type History interface {
	HasApprovedDuplicate(ctx context.Context, wallet, fingerprint, excludeSubmissionID string) (bool, error)
	HasRecentSimilar(ctx context.Context, wallet, fuzzyFingerprint, excludeSubmissionID string, since time.Time) (bool, error)
	CountApprovedForDevice(ctx context.Context, questID, deviceFingerprint string, since time.Time) (int, error)
}

// Engine computes a risk score in [0,1] plus flags for a submission.
type Engine struct {
	history        History
	velocityCap    int
	qualityScoring bool
	now            func() time.Time
}

// NewEngine builds an engine. velocityCap is the per-device daily approval
// cap; qualityScoring gates the optional justification scoring.
func NewEngine(history History, velocityCap int, qualityScoring bool) *Engine {
	if velocityCap <= 0 {
		velocityCap = 3
	}
	return &Engine{
		history:        history,
		velocityCap:    velocityCap,
		qualityScoring: qualityScoring,
		now:            time.Now,
	}
}

// Fingerprint is the canonical receipt identity:
// lower(merchant) | date-only | amount in minor units.
func Fingerprint(fields models.ReceiptFields) string {
	return hashOf(fmt.Sprintf("%s|%s|%d", normalizeMerchant(fields.Merchant), dateOnly(fields.DateISO), fields.AmountMinor))
}

// FuzzyFingerprint is the amount-insensitive variant used for similarity
// flagging: lower(merchant) | date-only.
func FuzzyFingerprint(fields models.ReceiptFields) string {
	return hashOf(fmt.Sprintf("%s|%s", normalizeMerchant(fields.Merchant), dateOnly(fields.DateISO)))
}

// Assess evaluates the duplicate, similarity, and velocity rules, plus the
// optional quality score. A duplicate forces the score to 1.0 and skips the
// remaining checks.
func (e *Engine) Assess(ctx context.Context, sub models.Submission, fields models.ReceiptFields) (models.RiskTrace, error) {
	trace := models.RiskTrace{Fingerprint: Fingerprint(fields)}

	dup, err := e.history.HasApprovedDuplicate(ctx, sub.Wallet, trace.Fingerprint, sub.ID)
	if err != nil {
		return models.RiskTrace{}, fault.Wrap(fault.KindTransient, err, "duplicate lookup")
	}
	if dup {
		trace.Score = 1.0
		trace.Flags = []string{FlagDuplicate}
		return trace, nil
	}

	now := e.now()
	similar, err := e.history.HasRecentSimilar(ctx, sub.Wallet, FuzzyFingerprint(fields), sub.ID, now.Add(-similarWindow))
	if err != nil {
		return models.RiskTrace{}, fault.Wrap(fault.KindTransient, err, "similarity lookup")
	}
	if similar {
		trace.Score = raiseTo(trace.Score, 0.5)
		trace.Flags = append(trace.Flags, FlagSimilarRecent)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	approvals, err := e.history.CountApprovedForDevice(ctx, sub.QuestID, sub.DeviceFingerprint, midnight)
	if err != nil {
		return models.RiskTrace{}, fault.Wrap(fault.KindTransient, err, "velocity lookup")
	}
	if approvals >= e.velocityCap {
		trace.Score = raiseTo(trace.Score, 0.5)
		trace.Flags = append(trace.Flags, FlagDeviceVelocity)
	}

	if e.qualityScoring {
		quality := ScoreJustification(sub.Justification)
		trace.QualityScore = &quality
	}
	return trace, nil
}

func raiseTo(score, floor float64) float64 {
	if score < floor {
		return floor
	}
	return score
}

func normalizeMerchant(merchant string) string {
	return strings.ToLower(strings.TrimSpace(merchant))
}

// dateOnly reduces an extracted date to its calendar day. Unparsable dates
// fall through as-is so they still fingerprint deterministically.
func dateOnly(dateISO string) string {
	trimmed := strings.TrimSpace(dateISO)
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t.Format("2006-01-02")
	}
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return t.Format("2006-01-02")
	}
	return trimmed
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
