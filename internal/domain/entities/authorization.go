package entities

import (
	"encoding/json"
	"time"
)

// VisitTypeCode is the reason for the visit as declared to the insurer
type VisitTypeCode string

const (
	VisitTypeNormal    VisitTypeCode = "NORMAL"
	VisitTypeEmergency VisitTypeCode = "EMERGENCY"
	VisitTypeReferral  VisitTypeCode = "REFERRAL"
	VisitTypeFollowUp  VisitTypeCode = "FOLLOW_UP"
)

// IsValid reports whether c is a known visit type
func (c VisitTypeCode) IsValid() bool {
	switch c {
	case VisitTypeNormal, VisitTypeEmergency, VisitTypeReferral, VisitTypeFollowUp:
		return true
	}
	return false
}

// RequiresReferral reports whether a referral number must accompany the code
func (c VisitTypeCode) RequiresReferral() bool {
	return c == VisitTypeReferral || c == VisitTypeFollowUp
}

// ProviderID is the numeric VisitTypeID the insurer API expects
func (c VisitTypeCode) ProviderID() int {
	switch c {
	case VisitTypeNormal:
		return 1
	case VisitTypeEmergency:
		return 2
	case VisitTypeReferral:
		return 3
	case VisitTypeFollowUp:
		return 4
	}
	return 0
}

// AuthorizationStatus is the insurer's verdict on a card / visit type /
// referral combination
type AuthorizationStatus string

const (
	AuthorizationStatusAccepted AuthorizationStatus = "ACCEPTED"
	AuthorizationStatusPending  AuthorizationStatus = "PENDING"
	AuthorizationStatusUnknown  AuthorizationStatus = "UNKNOWN"
	AuthorizationStatusInvalid  AuthorizationStatus = "INVALID"
	AuthorizationStatusRejected AuthorizationStatus = "REJECTED"
)

// AllowsService is the gating policy: ACCEPTED passes, UNKNOWN passes with
// a manual-verification warning, everything else is refused
func (s AuthorizationStatus) AllowsService() bool {
	return s == AuthorizationStatusAccepted || s == AuthorizationStatusUnknown
}

// AuthorizationRecord is one verification attempt against the insurer
type AuthorizationRecord struct {
	ID                  string              `json:"id" db:"id"`
	VisitID             string              `json:"visit_id" db:"visit_id"`
	CardNumber          string              `json:"card_number" db:"card_number"`
	VisitTypeCode       VisitTypeCode       `json:"visit_type_code" db:"visit_type_code"`
	ReferralNumber      string              `json:"referral_number,omitempty" db:"referral_number"`
	Remarks             string              `json:"remarks,omitempty" db:"remarks"`
	Status              AuthorizationStatus `json:"status" db:"status"`
	AuthorizationNumber string              `json:"authorization_number,omitempty" db:"authorization_number"`
	CardStatus          string              `json:"card_status,omitempty" db:"card_status"`
	MemberName          string              `json:"member_name,omitempty" db:"member_name"`
	ResponderRemarks    string              `json:"responder_remarks,omitempty" db:"responder_remarks"`
	RawResponse         json.RawMessage     `json:"raw_response,omitempty" db:"raw_response"`
	// FailureReason is set when the call ended without an insurer verdict.
	// Such records are kept for the audit trail but never become active.
	FailureReason string    `json:"failure_reason,omitempty" db:"failure_reason"`
	Superseded    bool      `json:"superseded" db:"superseded"`
	VerifiedBy    string    `json:"verified_by" db:"verified_by"`
	VerifiedAt    time.Time `json:"verified_at" db:"verified_at"`
}

// IsVerdict reports whether the record carries an insurer verdict
func (r *AuthorizationRecord) IsVerdict() bool {
	return r.FailureReason == ""
}
