package entities

import (
	"time"
)

// BillCategory groups bill items by the stage that produced them
type BillCategory string

const (
	BillCategoryClinical BillCategory = "CLINICAL"
	BillCategoryPharmacy BillCategory = "PHARMACY"
	BillCategoryOptical  BillCategory = "OPTICAL"
)

// OpticalComponent identifies the capped part of an optical dispense
type OpticalComponent string

const (
	OpticalComponentFrame     OpticalComponent = "FRAME"
	OpticalComponentLensBase  OpticalComponent = "LENS_BASE"
	OpticalComponentLensIndex OpticalComponent = "LENS_INDEX"
	OpticalComponentCoating   OpticalComponent = "COATING"
)

// BillItem is one billable line. Items are appended to a visit and never
// changed afterwards.
type BillItem struct {
	ID                string       `json:"id"`
	Description       string       `json:"description"`
	Amount            float64      `json:"amount"`
	Category          BillCategory `json:"category"`
	CoveredByNational bool         `json:"covered_by_national"`
	CoveredByPrivate  bool         `json:"covered_by_private"`

	OpticalComponent OpticalComponent `json:"optical_component,omitempty"`
	LensType         string           `json:"lens_type,omitempty"`
	// DispenseID groups the optical items of one dispensing event
	DispenseID string `json:"dispense_id,omitempty"`

	AddedAt time.Time `json:"added_at"`
	AddedBy string    `json:"added_by,omitempty"`
}

// CoveredUnder reports the eligibility flag relevant to the insurance mode
func (i BillItem) CoveredUnder(mode InsuranceMode) bool {
	switch mode {
	case InsuranceModeNHIF:
		return i.CoveredByNational
	case InsuranceModePrivate:
		return i.CoveredByPrivate
	}
	return false
}

// OpticalDispense describes the priced parts of one spectacle dispense
type OpticalDispense struct {
	FramePrice     float64         `json:"frame_price"`
	FrameEligible  bool            `json:"frame_eligible"`
	FrameCode      string          `json:"frame_code,omitempty"`
	LensType       string          `json:"lens_type"`
	LensBasePrice  float64         `json:"lens_base_price"`
	LensEligible   bool            `json:"lens_eligible"`
	IndexPremium   float64         `json:"index_premium"`
	IndexEligible  bool            `json:"index_eligible"`
	Coatings       []CoatingCharge `json:"coatings"`
	PrivateCovered bool            `json:"private_covered"`
}

// CoatingCharge is one lens coating on a dispense
type CoatingCharge struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Eligible bool    `json:"eligible"`
}

// BillSummary is the reconciled bill of a visit
type BillSummary struct {
	Total      float64 `json:"total"`
	Coverage   float64 `json:"coverage"`
	NetPayable float64 `json:"net_payable"`
	// Anomaly is set when coverage exceeded the total and NetPayable was
	// clamped to zero. It indicates bad bill data.
	Anomaly   bool    `json:"anomaly,omitempty"`
	Shortfall float64 `json:"shortfall,omitempty"`
}
