package workflow

import "strings"

// Intent is the classified meaning of an inbound customer reply.
type Intent string

const (
	IntentConfirm    Intent = "confirm"
	IntentReschedule Intent = "reschedule"
	IntentCancel     Intent = "cancel"
	IntentUnknown    Intent = "unknown"
)

var intentKeywords = map[Intent][]string{
	IntentConfirm:    {"yes", "confirm", "confirmed", "see you", "i'll be there", "ok", "sure"},
	IntentReschedule: {"reschedule", "another time", "move", "different day", "change the time", "postpone"},
	IntentCancel:     {"cancel", "can't make", "cannot make", "not coming", "won't be"},
}

// ClassifyIntent is the deterministic keyword classifier used when the NLP
// runtime result carries no usable intent. Reschedule and cancel keywords win
// over confirm keywords so that "yes please reschedule" is not confirmed.
func ClassifyIntent(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return IntentUnknown
	}
	for _, intent := range []Intent{IntentReschedule, IntentCancel, IntentConfirm} {
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(t, kw) {
				return intent
			}
		}
	}
	return IntentUnknown
}

// IntentFromPayload extracts the intent from an executor result payload,
// looking at the conventional locations the NLP runtime writes to. Falls
// back to IntentUnknown.
func IntentFromPayload(payload map[string]any) Intent {
	if payload == nil {
		return IntentUnknown
	}
	if v, ok := payload["intent"].(string); ok {
		return normalizeIntent(v)
	}
	if out, ok := payload["openclawOutput"].(map[string]any); ok {
		if v, ok := out["intent"].(string); ok {
			return normalizeIntent(v)
		}
		if text, ok := out["text"].(string); ok {
			return ClassifyIntent(text)
		}
	}
	return IntentUnknown
}

func normalizeIntent(v string) Intent {
	switch Intent(strings.ToLower(v)) {
	case IntentConfirm, IntentReschedule, IntentCancel:
		return Intent(strings.ToLower(v))
	default:
		return IntentUnknown
	}
}
