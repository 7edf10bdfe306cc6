package usecase

import "chatbot-backend/internal/domain"

// profileCapture maps NLU parameters to profile fields. Order is priority:
// a turn captures at most one field, the first whose parameter is present.
var profileCapture = []struct {
	parameter string
	field     domain.ProfileField
}{
	{parameter: paramGivenName, field: domain.FieldName},
	{parameter: paramAddress, field: domain.FieldAddress},
	{parameter: paramCompany, field: domain.FieldCompany},
	{parameter: paramEmail, field: domain.FieldEmail},
}

const (
	paramGivenName = "given-name"
	paramAddress   = "address"
	paramCompany   = "company"
	paramEmail     = "email"
)

func capturedField(resp domain.NLUResponse) (domain.ProfileField, string, bool) {
	for _, c := range profileCapture {
		if v, ok := resp.Parameter(c.parameter); ok {
			return c.field, v, true
		}
	}
	return "", "", false
}
