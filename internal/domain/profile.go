package domain

// ProfileField names a mutable attribute of the user profile record.
type ProfileField string

const (
	FieldName        ProfileField = "name"
	FieldAddress     ProfileField = "address"
	FieldCompany     ProfileField = "company"
	FieldEmail       ProfileField = "email"
	FieldContactName ProfileField = "contactName"
)

// ClassificationCategories is the closed set of device classes, in match
// priority order.
var ClassificationCategories = []string{"Class I", "Class IIa", "Class IIb", "Class III"}

// RecentContext is a normalized dialogue context kept between sessions.
type RecentContext struct {
	Name          string
	LifespanCount int
}

// TurnOutcome is the combined write applied to the profile record at the end
// of an authenticated turn.
type TurnOutcome struct {
	RecentContexts []RecentContext
	// Classification is empty when no category matched.
	Classification string
	// HistoryAppend holds timestamp, user message and bot reply, in that order.
	HistoryAppend [3]string
}

// History is the stored conversation history together with the address it
// should be mailed to.
type History struct {
	Email   string
	Entries []string
}
