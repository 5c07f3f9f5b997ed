package proposal

import "governance-sync/internal/models"

// Result policies.
const (
	PolicySimple   = "simple"
	PolicyAbsolute = "absolute"
)

// Outcome is an advisory resolution of a tally.
type Outcome string

const (
	OutcomeUndecided Outcome = "undecided"
	OutcomePass      Outcome = "pass"
	OutcomeFail      Outcome = "fail"
)

// Evaluate applies policy to t. It only advises: status changes remain a
// reviewer action through Transition.
func Evaluate(t models.Tally, policy string, minVoters int) Outcome {
	total := t.Total()
	if total == 0 || total < int64(minVoters) {
		return OutcomeUndecided
	}
	switch policy {
	case PolicyAbsolute:
		if t.Upvotes*2 > total {
			return OutcomePass
		}
	default:
		if t.Upvotes > t.Downvotes {
			return OutcomePass
		}
	}
	return OutcomeFail
}
