// Package authorize implements the spend-authorizer boundary. The default
// policy authorizer re-checks budget, per-day spend, vendor, and velocity
// constraints independently of the payout executor.
package authorize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questpay/internal/fault"
	"questpay/internal/models"
)

// Request identifies the spend being authorized.
type Request struct {
	Policy            models.SpendPolicy
	Amount            int64
	Wallet            string
	QuestID           string
	DeviceFingerprint string
	// Merchant is the verified receipt merchant, checked against the
	// policy's vendor allow-list when one is set.
	Merchant string
}

// Decision is the authorizer verdict. Reason is set on rejection.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

// Authorizer decides whether a spend may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Decision, error)
}

// SpendReader is the read side the policy authorizer needs.
type SpendReader interface {
	GetQuest(ctx context.Context, id string) (models.Quest, error)
	SumCompletedPayoutsSince(ctx context.Context, questID string, since time.Time) (int64, error)
	CountWalletPayoutsSince(ctx context.Context, questID, wallet string, since time.Time) (int, error)
}

// PolicyAuthorizer checks every policy field against current spend state.
type PolicyAuthorizer struct {
	reader SpendReader
	now    func() time.Time
}

func NewPolicyAuthorizer(reader SpendReader) *PolicyAuthorizer {
	return &PolicyAuthorizer{reader: reader, now: time.Now}
}

// Authorize runs every check. The first violated constraint rejects; reads
// that fail are transient and eligible for retry upstream.
func (a *PolicyAuthorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	if req.Amount <= 0 {
		return Decision{Reason: "amount must be positive"}, nil
	}
	if req.Policy.MaxPerPayout > 0 && req.Amount > req.Policy.MaxPerPayout {
		return Decision{Reason: fmt.Sprintf("amount %d exceeds max per payout %d", req.Amount, req.Policy.MaxPerPayout)}, nil
	}

	quest, err := a.reader.GetQuest(ctx, req.QuestID)
	if err != nil {
		return Decision{}, fault.Wrap(fault.KindTransient, err, "authorizer quest lookup")
	}
	if quest.BudgetRemaining < req.Amount {
		return Decision{Reason: fmt.Sprintf("budget remaining %d cannot cover amount %d", quest.BudgetRemaining, req.Amount)}, nil
	}

	if len(req.Policy.VendorAllowList) > 0 {
		if !vendorAllowed(req.Merchant, req.Policy.VendorAllowList) {
			return Decision{Reason: fmt.Sprintf("vendor %q is not on the spend policy allow-list", req.Merchant)}, nil
		}
	}

	now := a.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if req.Policy.MaxPerDay > 0 {
		spent, err := a.reader.SumCompletedPayoutsSince(ctx, req.QuestID, midnight)
		if err != nil {
			return Decision{}, fault.Wrap(fault.KindTransient, err, "authorizer daily spend lookup")
		}
		if spent+req.Amount > req.Policy.MaxPerDay {
			return Decision{Reason: fmt.Sprintf("daily spend %d plus amount %d exceeds max per day %d", spent, req.Amount, req.Policy.MaxPerDay)}, nil
		}
	}

	if req.Policy.MaxPayoutsPerDay > 0 {
		count, err := a.reader.CountWalletPayoutsSince(ctx, req.QuestID, req.Wallet, midnight)
		if err != nil {
			return Decision{}, fault.Wrap(fault.KindTransient, err, "authorizer wallet velocity lookup")
		}
		if count >= req.Policy.MaxPayoutsPerDay {
			return Decision{Reason: fmt.Sprintf("wallet already received %d payouts today (cap %d)", count, req.Policy.MaxPayoutsPerDay)}, nil
		}
	}

	return Decision{Authorized: true}, nil
}

func vendorAllowed(merchant string, allowList []string) bool {
	observed := strings.ToLower(strings.TrimSpace(merchant))
	if observed == "" {
		return false
	}
	for _, vendor := range allowList {
		if vendor != "" && strings.Contains(observed, strings.ToLower(vendor)) {
			return true
		}
	}
	return false
}
