package entities

import (
	"time"
)

// VisitStatus is the position of a visit in the clinical pipeline
type VisitStatus string

const (
	VisitStatusWaiting        VisitStatus = "WAITING"
	VisitStatusInClinical     VisitStatus = "IN_CLINICAL"
	VisitStatusInOptical      VisitStatus = "IN_OPTICAL"
	VisitStatusInPharmacy     VisitStatus = "IN_PHARMACY"
	VisitStatusPendingBilling VisitStatus = "PENDING_BILLING"
	VisitStatusCompleted      VisitStatus = "COMPLETED"
	VisitStatusCancelled      VisitStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are accepted
func (s VisitStatus) IsTerminal() bool {
	return s == VisitStatusCompleted || s == VisitStatusCancelled
}

// IsValid reports whether s is a known status
func (s VisitStatus) IsValid() bool {
	switch s {
	case VisitStatusWaiting, VisitStatusInClinical, VisitStatusInOptical, VisitStatusInPharmacy,
		VisitStatusPendingBilling, VisitStatusCompleted, VisitStatusCancelled:
		return true
	}
	return false
}

// InsuranceMode is who pays for the visit
type InsuranceMode string

const (
	InsuranceModeCash    InsuranceMode = "CASH"
	InsuranceModeNHIF    InsuranceMode = "NHIF"
	InsuranceModePrivate InsuranceMode = "PRIVATE"
)

// IsValid reports whether m is a known insurance mode
func (m InsuranceMode) IsValid() bool {
	return m == InsuranceModeCash || m == InsuranceModeNHIF || m == InsuranceModePrivate
}

// Stage is a dispensing stage a visit may still have to pass through after
// the clinical encounter
type Stage string

const (
	StageOptical  Stage = "OPTICAL"
	StagePharmacy Stage = "PHARMACY"
)

// Status returns the visit status a patient holds while at the stage
func (s Stage) Status() VisitStatus {
	switch s {
	case StageOptical:
		return VisitStatusInOptical
	case StagePharmacy:
		return VisitStatusInPharmacy
	}
	return VisitStatusPendingBilling
}

// Visit is one check-in episode, from reception to completion or cancellation
type Visit struct {
	ID                  string        `json:"id" db:"id"`
	PatientID           string        `json:"patient_id" db:"patient_id"`
	Status              VisitStatus   `json:"status" db:"status"`
	InsuranceMode       InsuranceMode `json:"insurance_mode" db:"insurance_mode"`
	CardNumber          string        `json:"card_number,omitempty" db:"card_number"`
	AuthorizationNumber string        `json:"authorization_number,omitempty" db:"authorization_number"`
	VisitTypeCode       VisitTypeCode `json:"visit_type_code,omitempty" db:"visit_type_code"`
	ReferralNumber      string        `json:"referral_number,omitempty" db:"referral_number"`
	RemainingStages     []Stage       `json:"remaining_stages" db:"remaining_stages"`
	Prescription        *Prescription `json:"prescription,omitempty" db:"prescription"`
	TreatmentPlan       string        `json:"treatment_plan,omitempty" db:"treatment_plan"`
	BillItems           []BillItem    `json:"bill_items" db:"bill_items"`
	CancelReason        string        `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CheckedInAt         time.Time     `json:"checked_in_at" db:"checked_in_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so a decision can be computed without touching
// the loaded visit
func (v *Visit) Clone() *Visit {
	if v == nil {
		return nil
	}
	out := *v
	if v.RemainingStages != nil {
		out.RemainingStages = append([]Stage(nil), v.RemainingStages...)
	}
	if v.BillItems != nil {
		out.BillItems = append([]BillItem(nil), v.BillItems...)
	}
	if v.Prescription != nil {
		out.Prescription = v.Prescription.Clone()
	}
	if v.CompletedAt != nil {
		completed := *v.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

// RequiresAuthorization reports whether gated transitions must pass the
// insurer authorization gate
func (v *Visit) RequiresAuthorization() bool {
	return v.InsuranceMode == InsuranceModeNHIF
}

// VisitPatch carries the fields a transition changes. Nil fields are left
// untouched by the store.
type VisitPatch struct {
	Status              *VisitStatus
	InsuranceMode       *InsuranceMode
	AuthorizationNumber *string
	VisitTypeCode       *VisitTypeCode
	ReferralNumber      *string
	RemainingStages     *[]Stage
	Prescription        *Prescription
	TreatmentPlan       *string
	CancelReason        *string
	CompletedAt         *time.Time
	// ClearPrescription and ClearCompletedAt reset the field to nil when the
	// matching value above is nil
	ClearPrescription bool
	ClearCompletedAt  bool
}

// IsEmpty reports whether the patch changes nothing
func (p VisitPatch) IsEmpty() bool {
	return p.Status == nil && p.InsuranceMode == nil && p.AuthorizationNumber == nil &&
		p.VisitTypeCode == nil && p.ReferralNumber == nil && p.RemainingStages == nil &&
		p.Prescription == nil && p.TreatmentPlan == nil && p.CancelReason == nil && p.CompletedAt == nil &&
		!p.ClearPrescription && !p.ClearCompletedAt
}

// Apply writes the patch onto v
func (p VisitPatch) Apply(v *Visit) {
	if p.Status != nil {
		v.Status = *p.Status
	}
	if p.InsuranceMode != nil {
		v.InsuranceMode = *p.InsuranceMode
	}
	if p.AuthorizationNumber != nil {
		v.AuthorizationNumber = *p.AuthorizationNumber
	}
	if p.VisitTypeCode != nil {
		v.VisitTypeCode = *p.VisitTypeCode
	}
	if p.ReferralNumber != nil {
		v.ReferralNumber = *p.ReferralNumber
	}
	if p.RemainingStages != nil {
		v.RemainingStages = append([]Stage(nil), (*p.RemainingStages)...)
	}
	if p.Prescription != nil {
		v.Prescription = p.Prescription.Clone()
	} else if p.ClearPrescription {
		v.Prescription = nil
	}
	if p.TreatmentPlan != nil {
		v.TreatmentPlan = *p.TreatmentPlan
	}
	if p.CancelReason != nil {
		v.CancelReason = *p.CancelReason
	}
	if p.CompletedAt != nil {
		completed := *p.CompletedAt
		v.CompletedAt = &completed
	} else if p.ClearCompletedAt {
		v.CompletedAt = nil
	}
}

// RevertPatch builds the patch that restores the fields p touches to their
// values in before
func RevertPatch(before *Visit, p VisitPatch) VisitPatch {
	var out VisitPatch
	if p.Status != nil {
		status := before.Status
		out.Status = &status
	}
	if p.InsuranceMode != nil {
		mode := before.InsuranceMode
		out.InsuranceMode = &mode
	}
	if p.AuthorizationNumber != nil {
		number := before.AuthorizationNumber
		out.AuthorizationNumber = &number
	}
	if p.VisitTypeCode != nil {
		code := before.VisitTypeCode
		out.VisitTypeCode = &code
	}
	if p.ReferralNumber != nil {
		referral := before.ReferralNumber
		out.ReferralNumber = &referral
	}
	if p.RemainingStages != nil {
		stages := append([]Stage{}, before.RemainingStages...)
		out.RemainingStages = &stages
	}
	if p.Prescription != nil {
		if before.Prescription != nil {
			out.Prescription = before.Prescription.Clone()
		} else {
			out.ClearPrescription = true
		}
	}
	if p.TreatmentPlan != nil {
		plan := before.TreatmentPlan
		out.TreatmentPlan = &plan
	}
	if p.CancelReason != nil {
		reason := before.CancelReason
		out.CancelReason = &reason
	}
	if p.CompletedAt != nil {
		if before.CompletedAt != nil {
			completed := *before.CompletedAt
			out.CompletedAt = &completed
		} else {
			out.ClearCompletedAt = true
		}
	}
	return out
}
