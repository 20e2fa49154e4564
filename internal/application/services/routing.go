package services

import (
	"strings"
	"unicode"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// ConsultationOutcome is what the clinical stage records when it finishes
// an encounter. NeedsOptical and NeedsPharmacy, when set, are authoritative.
type ConsultationOutcome struct {
	Prescription  *entities.Prescription `json:"prescription,omitempty"`
	TreatmentPlan string                 `json:"treatment_plan,omitempty"`
	NeedsOptical  *bool                  `json:"needs_optical,omitempty"`
	NeedsPharmacy *bool                  `json:"needs_pharmacy,omitempty"`
}

// RoutingSignals are the two routing inputs derived from a consultation
type RoutingSignals struct {
	NeedsOptical  bool `json:"needs_optical"`
	NeedsPharmacy bool `json:"needs_pharmacy"`
}

// RoutingPolicy derives routing signals from a consultation outcome
type RoutingPolicy interface {
	Signals(outcome ConsultationOutcome) RoutingSignals
}

// NextStatus picks the status after a consultation: optical first, then
// pharmacy, then billing
func NextStatus(hasOpticalPrescription, needsMedication bool) entities.VisitStatus {
	switch {
	case hasOpticalPrescription:
		return entities.VisitStatusInOptical
	case needsMedication:
		return entities.VisitStatusInPharmacy
	default:
		return entities.VisitStatusPendingBilling
	}
}

// StageQueue returns the ordered dispensing stages a visit still has to pass
func StageQueue(signals RoutingSignals) []entities.Stage {
	queue := make([]entities.Stage, 0, 2)
	if signals.NeedsOptical {
		queue = append(queue, entities.StageOptical)
	}
	if signals.NeedsPharmacy {
		queue = append(queue, entities.StagePharmacy)
	}
	return queue
}

// KeywordRoutingPolicy honours explicit flags and otherwise infers the
// signals from the prescription and treatment plan text
type KeywordRoutingPolicy struct {
	// each keyword is a phrase of one or more words
	keywords [][]string
}

// NewKeywordRoutingPolicy creates a routing policy with the given
// treatment-plan keywords. Multi-word keywords such as "eye drops" match
// as phrases.
func NewKeywordRoutingPolicy(keywords []string) *KeywordRoutingPolicy {
	normalized := make([][]string, 0, len(keywords))
	for _, keyword := range keywords {
		if words := planWords(keyword); len(words) > 0 {
			normalized = append(normalized, words)
		}
	}
	return &KeywordRoutingPolicy{keywords: normalized}
}

// Signals implements RoutingPolicy
func (p *KeywordRoutingPolicy) Signals(outcome ConsultationOutcome) RoutingSignals {
	var signals RoutingSignals

	if outcome.NeedsOptical != nil {
		signals.NeedsOptical = *outcome.NeedsOptical
	} else {
		signals.NeedsOptical = outcome.Prescription.HasOpticalCorrection()
	}

	if outcome.NeedsPharmacy != nil {
		signals.NeedsPharmacy = *outcome.NeedsPharmacy
	} else {
		signals.NeedsPharmacy = outcome.Prescription.HasMedications() || p.planMentionsMedication(outcome.TreatmentPlan)
	}

	return signals
}

// planMentionsMedication matches keyword phrases word by word. The last
// word of a phrase is a prefix match, so "drop" matches "drops" and
// "eye drop" matches "eye drops", but "gel" does not match "angel".
func (p *KeywordRoutingPolicy) planMentionsMedication(plan string) bool {
	words := planWords(plan)
	for _, phrase := range p.keywords {
		for start := 0; start+len(phrase) <= len(words); start++ {
			if phraseAt(words[start:], phrase) {
				return true
			}
		}
	}
	return false
}

func phraseAt(words, phrase []string) bool {
	last := len(phrase) - 1
	for i := 0; i < last; i++ {
		if words[i] != phrase[i] {
			return false
		}
	}
	return strings.HasPrefix(words[last], phrase[last])
}

func planWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
