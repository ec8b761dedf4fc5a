package eligibility

import (
	"fmt"
	"time"
)

type Code string

const (
	CodeInsufficientInterval       Code = "INSUFFICIENT_INTERVAL"
	CodeInsufficientIntervalPlasma Code = "INSUFFICIENT_INTERVAL_PLASMA"
	CodeMaxDonationsReached        Code = "MAX_DONATIONS_REACHED"
)

const dateLayout = "2006-01-02"

// Violation is returned as an error by callers so the remediation data
// (days remaining, next eligible year) survives up to the presentation layer.
type Violation struct {
	Code             Code
	Message          string
	DaysRemaining    int
	NextEligibleYear int
	NextEligibleDate time.Time
}

func (v *Violation) Error() string {
	return v.Message
}

type Result struct {
	Eligible     bool
	DonationType DonationType
	// DaysSinceLast is nil for a first-time donor.
	DaysSinceLast *int
	Violation     *Violation
}

// Err returns the violation as an error, or nil when eligible.
func (r Result) Err() error {
	if r.Violation == nil {
		return nil
	}
	return r.Violation
}

type Evaluator struct {
	rules Rules
}

func NewEvaluator(rules Rules) *Evaluator {
	return &Evaluator{rules: rules}
}

func (e *Evaluator) Rules() Rules {
	return e.rules
}

// Evaluate decides whether a donation of type t at proposed is permitted.
// donationsThisYear must already combine completed donations and scheduled,
// non-cancelled appointments in the calendar year of proposed.
// The annual cap is checked before the interval.
func (e *Evaluator) Evaluate(last *time.Time, donationsThisYear int, proposed time.Time, t DonationType) (Result, error) {
	rule, ok := e.rules.Types[t]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDonationType, t)
	}

	res := Result{Eligible: true, DonationType: t}

	var since int
	if last != nil {
		since = DaysBetween(*last, proposed)
		res.DaysSinceLast = &since
	}

	if rule.AnnualCap > 0 && donationsThisYear >= rule.AnnualCap {
		year := proposed.Year()
		res.Eligible = false
		res.Violation = &Violation{
			Code: CodeMaxDonationsReached,
			Message: fmt.Sprintf("annual limit of %d %s donations reached for %d; next eligible in %d",
				rule.AnnualCap, t.Label(), year, year+1),
			NextEligibleYear: year + 1,
			NextEligibleDate: time.Date(year+1, time.January, 1, 0, 0, 0, 0, proposed.Location()),
		}
		return res, nil
	}

	// a negative interval (proposed before last) always fails here
	if last != nil && since < rule.MinIntervalDays {
		remaining := rule.MinIntervalDays - since
		y, m, d := last.In(proposed.Location()).Date()
		next := time.Date(y, m, d+rule.MinIntervalDays, 0, 0, 0, 0, proposed.Location())
		res.Eligible = false
		res.Violation = &Violation{
			Code: intervalCode(t),
			Message: fmt.Sprintf("%s donations require at least %d days between donations; %d more days needed (eligible from %s)",
				t.Label(), rule.MinIntervalDays, remaining, next.Format(dateLayout)),
			DaysRemaining:    remaining,
			NextEligibleYear: next.Year(),
			NextEligibleDate: next,
		}
	}

	return res, nil
}

// DaysBetween counts calendar days from the date of `from` to the date of
// `to`, both read in the location of `to`. Time of day and DST shifts do not
// matter. The result is negative when `to` falls on an earlier date.
func DaysBetween(from, to time.Time) int {
	a := civilDate(from.In(to.Location()))
	b := civilDate(to)
	return int(b.Sub(a) / (24 * time.Hour))
}

// civilDate maps the wall-clock date of t onto UTC midnight, where every day
// is exactly 24 hours long.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intervalCode(t DonationType) Code {
	if t == Plasma {
		return CodeInsufficientIntervalPlasma
	}
	return CodeInsufficientInterval
}
