package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// NormalizedAuthorization is the fixed internal shape of an insurer
// card-authorization response
type NormalizedAuthorization struct {
	Status              entities.AuthorizationStatus
	AuthorizationNumber string
	CardStatus          string
	MemberName          string
	Remarks             string
	// Recognized is false when the payload had no usable status field
	Recognized bool
}

// field aliases, compared after lowercasing and removing '_' and '-'
var (
	statusKeys        = []string{"authorizationstatus", "authstatus", "status"}
	authNumberKeys    = []string{"authorizationno", "authorizationnumber", "authno", "authnumber"}
	cardStatusKeys    = []string{"cardstatus", "cardstatusdescription"}
	memberNameKeys    = []string{"fullname", "membername", "name"}
	remarksKeys       = []string{"remarks", "remark", "message"}
	envelopeKeys      = []string{"data", "result"}
	knownAuthStatuses = map[string]entities.AuthorizationStatus{
		"accepted": entities.AuthorizationStatusAccepted,
		"pending":  entities.AuthorizationStatusPending,
		"unknown":  entities.AuthorizationStatusUnknown,
		"invalid":  entities.AuthorizationStatusInvalid,
		"rejected": entities.AuthorizationStatusRejected,
	}
)

// NormalizeAuthorizationResponse maps a provider payload to one of the five
// statuses. Field names match case-insensitively. Anything it cannot read,
// including an unknown status value, becomes REJECTED.
func NormalizeAuthorizationResponse(raw json.RawMessage) NormalizedAuthorization {
	rejected := NormalizedAuthorization{Status: entities.AuthorizationStatusRejected}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		rejected.Remarks = "unrecognized insurer response"
		return rejected
	}

	fields := foldKeys(payload)
	if _, ok := lookup(fields, statusKeys); !ok {
		for _, key := range envelopeKeys {
			if inner, ok := fields[key].(map[string]interface{}); ok {
				fields = foldKeys(inner)
				break
			}
		}
	}

	out := NormalizedAuthorization{
		CardStatus: stringField(fields, cardStatusKeys),
		MemberName: stringField(fields, memberNameKeys),
		Remarks:    stringField(fields, remarksKeys),
	}

	rawStatus := strings.ToLower(stringField(fields, statusKeys))
	status, ok := knownAuthStatuses[rawStatus]
	if !ok {
		out.Status = entities.AuthorizationStatusRejected
		if out.Remarks == "" {
			out.Remarks = "unrecognized insurer response"
		}
		return out
	}

	out.Status = status
	out.Recognized = true
	if status == entities.AuthorizationStatusAccepted {
		out.AuthorizationNumber = stringField(fields, authNumberKeys)
	}
	return out
}

func foldKeys(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	replacer := strings.NewReplacer("_", "", "-", "")
	for key, value := range in {
		out[replacer.Replace(strings.ToLower(key))] = value
	}
	return out
}

func lookup(fields map[string]interface{}, keys []string) (interface{}, bool) {
	for _, key := range keys {
		if value, ok := fields[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func stringField(fields map[string]interface{}, keys []string) string {
	value, ok := lookup(fields, keys)
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64, bool:
		return fmt.Sprint(v)
	}
	return ""
}
