package domain

// FulfillmentMessage is one response fragment returned by the NLU service.
// Only text fragments are surfaced to the user.
type FulfillmentMessage struct {
	Text []string
}

// RawContext is an output context as reported by the NLU service. Name is the
// full resource path; LifespanCount is nil when the service omitted it.
type RawContext struct {
	Name          string
	LifespanCount *int
}

// NLUResponse is the provider-agnostic result of a single NLU query.
type NLUResponse struct {
	FulfillmentMessages []FulfillmentMessage
	Parameters          map[string]string
	IntentName          string
	OutputContexts      []RawContext
}

// Reply returns the first text line of the first fulfillment message.
func (r NLUResponse) Reply() (string, bool) {
	if len(r.FulfillmentMessages) == 0 {
		return "", false
	}
	text := r.FulfillmentMessages[0].Text
	if len(text) == 0 {
		return "", false
	}
	return text[0], true
}

// Parameter returns a recognized parameter value. Empty values count as absent.
func (r NLUResponse) Parameter(name string) (string, bool) {
	v, ok := r.Parameters[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
