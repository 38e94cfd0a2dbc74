package errors

import "fmt"

// User-facing texts carried in the envelope when a turn fails.
const (
	MsgClassifyFailed     = "Sorry, I could not make sense of that. Could you rephrase your question?"
	MsgPlanFailed         = "Couldn't understand the question"
	MsgUnsupportedLink    = "This connection is not supported: the knowledge graph has no path between these entities."
	MsgServiceUnavailable = "Service unavailable, try again"
	MsgQuotaFull          = "Your quota is full"
	MsgInternal           = "Something went wrong while answering your question. Please try again."
)

// UserMessage maps any error to the text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if re, ok := AsResolveError(err); ok {
		if re.Reason == ResolveReasonBackend {
			return MsgServiceUnavailable
		}
		return fmt.Sprintf("No suitable property found for %s with key %s and value %s", re.Kind, re.Key, re.Value)
	}
	if pe, ok := AsPlanError(err); ok {
		if pe.Stage == PlanStageUnreachable {
			return MsgUnsupportedLink
		}
		if _, ok := AsBackendError(err); ok {
			return MsgServiceUnavailable
		}
		return MsgPlanFailed
	}
	t, _ := typeOf(err)
	switch t {
	case ErrorTypeClassify:
		return MsgClassifyFailed
	case ErrorTypeBackend:
		return MsgServiceUnavailable
	case ErrorTypeQuota:
		return MsgQuotaFull
	}
	return MsgInternal
}
