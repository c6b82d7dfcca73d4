package classify

import "github.com/aponysus/attribution/model"

// OutcomeKind describes what one attribution attempt concluded.
type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeAttributed
	OutcomeNotAttributed
	OutcomeRetryable
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAttributed:
		return "attributed"
	case OutcomeNotAttributed:
		return "not_attributed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Standard Outcome.Reason strings.
const (
	ReasonAttributed         = "attributed"
	ReasonNotAttributed      = "not_attributed"
	ReasonTimeout            = "transport_timeout"
	ReasonNetworkUnreachable = "network_unreachable"
	ReasonTimestampInvalid   = "timestamp_invalid"
	ReasonClientError        = "client_error"
	ReasonTransportError     = "transport_error"
	ReasonParseFailure       = "parse_failure"
)

// Outcome is the classification of a single attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string

	// Events holds the parsed clicks when Kind is OutcomeAttributed. It may be empty.
	Events []model.ClickEvent

	// BackoffCorrection asks the poller to take the next timestamp correction
	// from its backoff scheduler before the following attempt.
	BackoffCorrection bool

	// Attributes holds diagnostic details (status code, error codes, failing field).
	Attributes map[string]string
}

// Retryable reports whether another attempt is warranted.
func (o Outcome) Retryable() bool { return o.Kind == OutcomeRetryable }

// Classifier maps the result of one transport call to an Outcome.
//
// body is only meaningful when err is nil.
type Classifier interface {
	Classify(body []byte, err error) Outcome
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(body []byte, err error) Outcome

func (f ClassifierFunc) Classify(body []byte, err error) Outcome { return f(body, err) }
