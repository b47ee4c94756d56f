package threading

import (
	"fmt"

	"github.com/starford/tessera/internal/models"
)

// Alternative reasons.
const (
	ReasonLowerPrecedence  = "lower_precedence"
	ReasonAmbiguousTie     = "ambiguous_tie"
	ReasonNoQuoteMatch     = "no_quote_match"
	ReasonOutsideWindow    = "outside_time_window"
	ReasonNoOverlap        = "no_participant_overlap"
	ReasonLaterThanChild   = "later_than_child"
	ReasonWouldCreateCycle = "would_create_cycle"
	ReasonSelfReference    = "self_reference"
	ReasonForwardSubject   = "forward_subject"
	ReasonNotClosest       = "not_closest"
	ReasonEarlierReference = "earlier_reference"
)

var transitions = map[models.LinkState][]models.LinkState{
	models.StateUnlinked:           {models.StateCandidateEvaluated},
	models.StateCandidateEvaluated: {models.StateLinked, models.StateOrphan, models.StateAmbiguous},
	models.StateLinked:             {models.StateCandidateEvaluated},
	models.StateOrphan:             {models.StateCandidateEvaluated},
	models.StateAmbiguous:          {models.StateCandidateEvaluated},
}

// advance validates from -> to.
func advance(from, to models.LinkState) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("threading: invalid transition %s -> %s", from, to)
}

var confidence = map[models.Method]models.Confidence{
	models.MethodInReplyTo:     models.ConfidenceHighest,
	models.MethodReferences:    models.ConfidenceHigh,
	models.MethodQuotedHash:    models.ConfidenceMedium,
	models.MethodSubjectWindow: models.ConfidenceLow,
	models.MethodManualReview:  models.ConfidenceReviewed,
}
