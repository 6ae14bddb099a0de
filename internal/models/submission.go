package models

import (
	"time"
)

// Submission statuses. Only the worker loop and admin overrides move a
// submission between states; APPROVED is the only non-terminal outcome.
const (
	SubmissionPending    = "pending"
	SubmissionProcessing = "processing"
	SubmissionApproved   = "approved"
	SubmissionRejected   = "rejected"
	SubmissionFailed     = "failed"
	SubmissionPaid       = "paid"
)

// Verification decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Payout statuses.
const (
	PayoutProcessing = "processing"
	PayoutCompleted  = "completed"
	PayoutFailed     = "failed"
)

// Submission is one receipt submitted against a quest. Submissions are never
// deleted.
type Submission struct {
	ID                string    `json:"id"`
	QuestID           string    `json:"quest_id"`
	Wallet            string    `json:"wallet"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	ContentHash       string    `json:"content_hash"`
	Justification     string    `json:"justification"`
	Zip               string    `json:"zip,omitempty"`
	ContributorAge    *int      `json:"contributor_age,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ReceiptFields are the normalized values produced by the field extractor.
// Amounts are integer minor currency units.
type ReceiptFields struct {
	Merchant    string  `json:"merchant"`
	DateISO     string  `json:"date_iso"`
	AmountMinor int64   `json:"amount_minor"`
	Confidence  float64 `json:"confidence"`
}

// PredicateEval is one entry in the ordered verifier trace.
type PredicateEval struct {
	Kind     PredicateKind `json:"kind"`
	Context  string        `json:"context"`
	Observed string        `json:"observed"`
	Pass     bool          `json:"pass"`
	Reason   string        `json:"reason"`
}

// VerifierTrace records every predicate evaluation plus the extractor output
// it was evaluated against.
type VerifierTrace struct {
	Predicates []PredicateEval `json:"predicates"`
	Fields     ReceiptFields   `json:"fields"`
}

// RiskTrace records the risk evaluation for a submission.
type RiskTrace struct {
	Score        float64  `json:"score"`
	Flags        []string `json:"flags,omitempty"`
	Fingerprint  string   `json:"fingerprint"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// DecisionTrace is the full, typed record behind a verification decision.
type DecisionTrace struct {
	Verifier VerifierTrace `json:"verifier"`
	Risk     RiskTrace     `json:"risk"`
}

// VerificationResult holds the decision for a submission. Exactly one exists
// per verified submission; it is immutable once the submission is PAID and may
// only be replaced by an explicit re-verification or admin override.
type VerificationResult struct {
	SubmissionID string        `json:"submission_id"`
	Decision     string        `json:"decision"`
	Trace        DecisionTrace `json:"trace"`
	RiskScore    float64       `json:"risk_score"`
	Reasons      []string      `json:"reasons,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Payout records the spend for an approved submission. At most one exists per
// submission; it is created on the first payout attempt and updated in place
// across retries.
type Payout struct {
	SubmissionID string    `json:"submission_id"`
	QuestID      string    `json:"quest_id"`
	Amount       int64     `json:"amount"`
	TransferRef  string    `json:"transfer_ref,omitempty"`
	Synthetic    bool      `json:"synthetic"`
	Status       string    `json:"status"`
	LastError    *string   `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusProjection is the read-only view served to submission owners.
type StatusProjection struct {
	Status           string         `json:"status"`
	DecisionTrace    *DecisionTrace `json:"decision_trace,omitempty"`
	RejectionReasons []string       `json:"rejection_reasons,omitempty"`
	TransferRef      string         `json:"transfer_reference,omitempty"`
	PayoutStatus     string         `json:"payout_status,omitempty"`
}
