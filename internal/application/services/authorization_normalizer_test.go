package services_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/clinicflow/internal/application/services"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

func TestNormalizeAuthorizationResponse(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		status     entities.AuthorizationStatus
		authNumber string
		recognized bool
	}{
		{
			name:       "accepted with authorization number",
			raw:        `{"AuthorizationStatus":"ACCEPTED","AuthorizationNo":"AUTH123","CardStatus":"Active","FullName":"JANE DOE"}`,
			status:     entities.AuthorizationStatusAccepted,
			authNumber: "AUTH123",
			recognized: true,
		},
		{
			name:       "field names and values are case-insensitive",
			raw:        `{"authorization_status":"accepted","authorization_no":"A-9"}`,
			status:     entities.AuthorizationStatusAccepted,
			authNumber: "A-9",
			recognized: true,
		},
		{
			name:       "pending drops any authorization number",
			raw:        `{"AuthorizationStatus":"Pending","AuthorizationNo":"AUTH123"}`,
			status:     entities.AuthorizationStatusPending,
			recognized: true,
		},
		{
			name:       "unknown",
			raw:        `{"status":"UNKNOWN"}`,
			status:     entities.AuthorizationStatusUnknown,
			recognized: true,
		},
		{
			name:       "invalid",
			raw:        `{"AuthorizationStatus":"INVALID"}`,
			status:     entities.AuthorizationStatusInvalid,
			recognized: true,
		},
		{
			name:       "status inside a data envelope",
			raw:        `{"data":{"AuthorizationStatus":"ACCEPTED","AuthorizationNo":"AUTH7"}}`,
			status:     entities.AuthorizationStatusAccepted,
			authNumber: "AUTH7",
			recognized: true,
		},
		{
			name:   "unrecognized status value",
			raw:    `{"AuthorizationStatus":"APPROVED-ISH"}`,
			status: entities.AuthorizationStatusRejected,
		},
		{
			name:   "no status field",
			raw:    `{"CardStatus":"Active"}`,
			status: entities.AuthorizationStatusRejected,
		},
		{
			name:   "not an object",
			raw:    `["ACCEPTED"]`,
			status: entities.AuthorizationStatusRejected,
		},
		{
			name:   "malformed json",
			raw:    `{"AuthorizationStatus":`,
			status: entities.AuthorizationStatusRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := services.NormalizeAuthorizationResponse(json.RawMessage(tt.raw))

			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.authNumber, got.AuthorizationNumber)
			assert.Equal(t, tt.recognized, got.Recognized)
			if !tt.recognized {
				assert.NotEmpty(t, got.Remarks)
			}
		})
	}
}

func TestNormalizeAuthorizationResponse_Details(t *testing.T) {
	got := services.NormalizeAuthorizationResponse(json.RawMessage(
		`{"AuthorizationStatus":"REJECTED","CardStatus":"Suspended","FullName":" JANE DOE ","Remarks":"card suspended"}`))

	assert.Equal(t, entities.AuthorizationStatusRejected, got.Status)
	assert.True(t, got.Recognized)
	assert.Equal(t, "Suspended", got.CardStatus)
	assert.Equal(t, "JANE DOE", got.MemberName)
	assert.Equal(t, "card suspended", got.Remarks)
}
