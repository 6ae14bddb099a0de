package models

import (
	"time"
)

// PredicateKind is the closed set of eligibility checks a quest may declare.
type PredicateKind string

const (
	PredicateMerchant       PredicateKind = "merchant"
	PredicateReceiptAgeDays PredicateKind = "receipt_age_days"
	PredicateAmount         PredicateKind = "amount"
	PredicateZipPrefix      PredicateKind = "zip_prefix"
	PredicateContributorAge PredicateKind = "contributor_age"
)

// Operators for bounded predicates.
const (
	OpLTE = "<="
	OpGTE = ">="
)

// Predicate is one eligibility check. Kind selects which payload fields are
// meaningful; unknown kinds fail closed at evaluation time.
type Predicate struct {
	Kind     PredicateKind `json:"kind"`
	Operator string        `json:"operator,omitempty"`

	// PredicateMerchant: case-insensitive substring match against any entry.
	Merchants []string `json:"merchants,omitempty"`
	// PredicateReceiptAgeDays: bound on days since the receipt date.
	Days int `json:"days,omitempty"`
	// PredicateAmount: bound in minor currency units (never floating dollars).
	AmountMinor int64 `json:"amount_minor,omitempty"`
	// PredicateZipPrefix: submission ZIP must start with one of these.
	ZipPrefixes []string `json:"zip_prefixes,omitempty"`
	// PredicateContributorAge: bound on the contributor's age in years.
	Age int `json:"age,omitempty"`
}

// SpendPolicy constrains payouts for a quest. The spend authorizer re-checks
// every field independently of the payout executor.
type SpendPolicy struct {
	MaxPerPayout     int64    `json:"max_per_payout"`
	MaxPerDay        int64    `json:"max_per_day"`
	MaxPayoutsPerDay int      `json:"max_payouts_per_day"`
	VendorAllowList  []string `json:"vendor_allow_list,omitempty"`
}

// Quest is a funded bounty. BudgetRemaining only decreases, except for the
// compensating recredit when a transfer fails after a debit.
type Quest struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Currency        string      `json:"currency"`
	UnitAmount      int64       `json:"unit_amount"`
	BudgetTotal     int64       `json:"budget_total"`
	BudgetRemaining int64       `json:"budget_remaining"`
	Predicates      []Predicate `json:"predicates"`
	Policy          SpendPolicy `json:"policy"`
	CreatedAt       time.Time   `json:"created_at"`
}
