// Package verify evaluates a quest's eligibility predicates against the
// normalized receipt fields and contributor attributes. Every predicate must
// pass; there is no partial credit. Anything the verifier cannot evaluate
// fails closed with an explicit reason.
package verify

import (
	"fmt"
	"strings"
	"time"

	"questpay/internal/fault"
	"questpay/internal/models"
)

const dateLayout = "2006-01-02"

// Evaluate runs every predicate in order and returns the full trace plus the
// failure reasons. An empty reason list means all predicates passed. A
// validation error is returned only when the quest carries no usable rules.
func Evaluate(quest models.Quest, sub models.Submission, fields models.ReceiptFields, now time.Time) (models.VerifierTrace, []string, error) {
	if len(quest.Predicates) == 0 {
		return models.VerifierTrace{}, nil, fault.New(fault.KindValidation, "quest %s has no eligibility predicates", quest.ID)
	}

	trace := models.VerifierTrace{
		Predicates: make([]models.PredicateEval, 0, len(quest.Predicates)),
		Fields:     fields,
	}
	var reasons []string
	for _, pred := range quest.Predicates {
		eval := evaluateOne(pred, sub, fields, now)
		trace.Predicates = append(trace.Predicates, eval)
		if !eval.Pass {
			reasons = append(reasons, eval.Reason)
		}
	}
	return trace, reasons, nil
}

func evaluateOne(pred models.Predicate, sub models.Submission, fields models.ReceiptFields, now time.Time) models.PredicateEval {
	switch pred.Kind {
	case models.PredicateMerchant:
		return evalMerchant(pred, fields.Merchant)
	case models.PredicateReceiptAgeDays:
		return evalReceiptAge(pred, fields.DateISO, now)
	case models.PredicateAmount:
		return evalAmount(pred, fields.AmountMinor)
	case models.PredicateZipPrefix:
		return evalZipPrefix(pred, sub.Zip)
	case models.PredicateContributorAge:
		return evalContributorAge(pred, sub.ContributorAge)
	default:
		return models.PredicateEval{
			Kind:    pred.Kind,
			Context: "unknown predicate",
			Pass:    false,
			Reason:  fmt.Sprintf("unknown predicate kind %q: failing closed", pred.Kind),
		}
	}
}

func evalMerchant(pred models.Predicate, merchant string) models.PredicateEval {
	eval := models.PredicateEval{
		Kind:     models.PredicateMerchant,
		Context:  fmt.Sprintf("merchant in [%s]", strings.Join(pred.Merchants, ", ")),
		Observed: merchant,
	}
	observed := strings.ToLower(strings.TrimSpace(merchant))
	if observed == "" {
		eval.Reason = "merchant could not be extracted from the receipt"
		return eval
	}
	for _, allowed := range pred.Merchants {
		if allowed == "" {
			continue
		}
		if strings.Contains(observed, strings.ToLower(allowed)) {
			eval.Pass = true
			return eval
		}
	}
	eval.Reason = fmt.Sprintf("merchant %q is not on the allow-list", merchant)
	return eval
}

func evalReceiptAge(pred models.Predicate, dateISO string, now time.Time) models.PredicateEval {
	eval := models.PredicateEval{
		Kind:     models.PredicateReceiptAgeDays,
		Context:  fmt.Sprintf("receipt age in days %s %d", pred.Operator, pred.Days),
		Observed: dateISO,
	}
	date, err := time.Parse(dateLayout, dateISO)
	if err != nil {
		eval.Reason = fmt.Sprintf("receipt date %q is unparsable: failing closed", dateISO)
		return eval
	}
	ageDays := int(now.Sub(date).Hours() / 24)
	eval.Observed = fmt.Sprintf("%s (%d days old)", dateISO, ageDays)
	switch pred.Operator {
	case models.OpLTE:
		eval.Pass = ageDays <= pred.Days
	case models.OpGTE:
		eval.Pass = ageDays >= pred.Days
	default:
		eval.Reason = fmt.Sprintf("unsupported operator %q for receipt age: failing closed", pred.Operator)
		return eval
	}
	if !eval.Pass {
		eval.Reason = fmt.Sprintf("receipt age %d days does not satisfy %s %d days", ageDays, pred.Operator, pred.Days)
	}
	return eval
}

func evalAmount(pred models.Predicate, amountMinor int64) models.PredicateEval {
	eval := models.PredicateEval{
		Kind:     models.PredicateAmount,
		Context:  fmt.Sprintf("amount %s %s", pred.Operator, majorUnits(pred.AmountMinor)),
		Observed: majorUnits(amountMinor),
	}
	switch pred.Operator {
	case models.OpLTE:
		eval.Pass = amountMinor <= pred.AmountMinor
	case models.OpGTE:
		eval.Pass = amountMinor >= pred.AmountMinor
	default:
		eval.Reason = fmt.Sprintf("unsupported operator %q for amount: failing closed", pred.Operator)
		return eval
	}
	if !eval.Pass {
		eval.Reason = fmt.Sprintf("amount %s does not satisfy %s %s",
			majorUnits(amountMinor), pred.Operator, majorUnits(pred.AmountMinor))
	}
	return eval
}

func evalZipPrefix(pred models.Predicate, zip string) models.PredicateEval {
	eval := models.PredicateEval{
		Kind:     models.PredicateZipPrefix,
		Context:  fmt.Sprintf("zip prefix in [%s]", strings.Join(pred.ZipPrefixes, ", ")),
		Observed: zip,
	}
	if zip == "" {
		eval.Reason = "contributor ZIP is unknown: failing closed"
		return eval
	}
	for _, prefix := range pred.ZipPrefixes {
		if prefix != "" && strings.HasPrefix(zip, prefix) {
			eval.Pass = true
			return eval
		}
	}
	eval.Reason = fmt.Sprintf("zip %q does not match any allowed prefix", zip)
	return eval
}

func evalContributorAge(pred models.Predicate, age *int) models.PredicateEval {
	eval := models.PredicateEval{
		Kind:    models.PredicateContributorAge,
		Context: fmt.Sprintf("contributor age %s %d", pred.Operator, pred.Age),
	}
	if age == nil {
		eval.Observed = "unknown"
		eval.Reason = "contributor age is unknown: failing closed"
		return eval
	}
	eval.Observed = fmt.Sprintf("%d", *age)
	switch pred.Operator {
	case models.OpLTE:
		eval.Pass = *age <= pred.Age
	case models.OpGTE:
		eval.Pass = *age >= pred.Age
	default:
		eval.Reason = fmt.Sprintf("unsupported operator %q for contributor age: failing closed", pred.Operator)
		return eval
	}
	if !eval.Pass {
		eval.Reason = fmt.Sprintf("contributor age %d does not satisfy %s %d", *age, pred.Operator, pred.Age)
	}
	return eval
}

// majorUnits renders minor currency units as a major-unit string, e.g.
// 5001 -> "50.01". Reasons use this form; arithmetic never does.
func majorUnits(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
