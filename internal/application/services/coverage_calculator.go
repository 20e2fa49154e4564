package services

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/pkg/config"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

// CoverageCalculator computes bill totals and insurer coverage. It holds no
// state beyond the configured caps and is safe for concurrent use.
type CoverageCalculator struct {
	frameCap       float64
	lensCaps       map[string]float64
	maxPerDispense float64
}

// NewCoverageCalculator creates a calculator with the given caps
func NewCoverageCalculator(cfg config.CoverageConfig) *CoverageCalculator {
	lensCaps := make(map[string]float64, len(cfg.LensCaps))
	for lensType, limit := range cfg.LensCaps {
		lensCaps[normalizeLensType(lensType)] = limit
	}
	return &CoverageCalculator{
		frameCap:       cfg.FrameCap,
		lensCaps:       lensCaps,
		maxPerDispense: cfg.MaxTotalReimbursement,
	}
}

// BillTotal sums the amounts of all items
func BillTotal(items []entities.BillItem) float64 {
	var total float64
	for _, item := range items {
		total += item.Amount
	}
	return roundMoney(total)
}

// InsuranceCoverage returns the amount the visit's insurer pays
func (c *CoverageCalculator) InsuranceCoverage(visit *entities.Visit) float64 {
	if visit == nil || visit.InsuranceMode == entities.InsuranceModeCash {
		return 0
	}

	var coverage float64
	// national optical contributions, summed per dispensing event
	dispenses := make(map[string]float64)

	for _, item := range visit.BillItems {
		if !item.CoveredUnder(visit.InsuranceMode) {
			continue
		}

		if visit.InsuranceMode != entities.InsuranceModeNHIF {
			coverage += item.Amount
			continue
		}
		if item.OpticalComponent == "" {
			// uncapped optical lines earn no national cover
			if item.Category != entities.BillCategoryOptical {
				coverage += item.Amount
			}
			continue
		}

		group := item.DispenseID
		if group == "" {
			group = "item:" + item.ID
		}
		dispenses[group] += c.opticalContribution(item)
	}

	for _, sum := range dispenses {
		coverage += math.Min(sum, c.maxPerDispense)
	}

	return roundMoney(coverage)
}

func (c *CoverageCalculator) opticalContribution(item entities.BillItem) float64 {
	switch item.OpticalComponent {
	case entities.OpticalComponentFrame:
		return math.Min(item.Amount, c.frameCap)
	case entities.OpticalComponentLensBase:
		limit, ok := c.lensCaps[normalizeLensType(item.LensType)]
		if !ok {
			return 0
		}
		return math.Min(item.Amount, limit)
	case entities.OpticalComponentLensIndex, entities.OpticalComponentCoating:
		return item.Amount
	}
	return 0
}

// Summarize reconciles the bill. A coverage larger than the total is a data
// error: NetPayable is clamped to zero and Anomaly is set so the caller can
// log and refuse payment.
func (c *CoverageCalculator) Summarize(visit *entities.Visit) entities.BillSummary {
	var items []entities.BillItem
	if visit != nil {
		items = visit.BillItems
	}

	total := BillTotal(items)
	coverage := c.InsuranceCoverage(visit)
	net := roundMoney(total - coverage)

	summary := entities.BillSummary{
		Total:      total,
		Coverage:   coverage,
		NetPayable: net,
	}
	if net < 0 {
		summary.NetPayable = 0
		summary.Anomaly = true
		summary.Shortfall = -net
	}
	return summary
}

// OpticalBillItems turns one spectacle dispense into bill items sharing a
// DispenseID, so the per-dispense cap applies to them as a group
func (c *CoverageCalculator) OpticalBillItems(d *entities.OpticalDispense, actor string, now time.Time) ([]entities.BillItem, error) {
	if d == nil {
		return nil, nil
	}

	prices := []float64{d.FramePrice, d.LensBasePrice, d.IndexPremium}
	for _, coating := range d.Coatings {
		prices = append(prices, coating.Price)
	}
	for _, price := range prices {
		if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return nil, apperrors.NewValidationError("optical prices must be non-negative")
		}
	}
	if d.LensBasePrice > 0 && strings.TrimSpace(d.LensType) == "" {
		return nil, apperrors.NewValidationError("lens type is required when a lens is dispensed")
	}

	dispenseID := uuid.New().String()
	lensType := normalizeLensType(d.LensType)

	newItem := func(description string, amount float64, component entities.OpticalComponent, national bool) entities.BillItem {
		return entities.BillItem{
			ID:                uuid.New().String(),
			Description:       description,
			Amount:            amount,
			Category:          entities.BillCategoryOptical,
			CoveredByNational: national,
			CoveredByPrivate:  d.PrivateCovered,
			OpticalComponent:  component,
			LensType:          lensType,
			DispenseID:        dispenseID,
			AddedAt:           now,
			AddedBy:           actor,
		}
	}

	var items []entities.BillItem
	if d.FramePrice > 0 {
		description := "Spectacle frame"
		if d.FrameCode != "" {
			description += " " + d.FrameCode
		}
		items = append(items, newItem(description, d.FramePrice, entities.OpticalComponentFrame, d.FrameEligible))
	}
	if d.LensBasePrice > 0 {
		items = append(items, newItem("Lenses ("+lensType+")", d.LensBasePrice, entities.OpticalComponentLensBase, d.LensEligible))
	}
	if d.IndexPremium > 0 {
		items = append(items, newItem("Lens index premium", d.IndexPremium, entities.OpticalComponentLensIndex, d.IndexEligible))
	}
	for _, coating := range d.Coatings {
		if coating.Price <= 0 {
			continue
		}
		items = append(items, newItem("Lens coating: "+coating.Name, coating.Price, entities.OpticalComponentCoating, coating.Eligible))
	}

	return items, nil
}

func normalizeLensType(lensType string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(lensType), " ", "_"))
}

// roundMoney rounds to the minor unit so float noise never reads as a
// negative net payable
func roundMoney(amount float64) float64 {
	return math.Round(amount*100) / 100
}
