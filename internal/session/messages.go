package session

// Error codes surfaced through Callback.ProcessError.
const (
	// CodeWANLoss reports a missed keepalive window.
	CodeWANLoss = "900"
	// CodeTransportFailure reports a WebSocket read failure before the
	// reconnect funnel runs.
	CodeTransportFailure = "TRANSPORT_FAILURE"
)

// Messages holds the user-facing strings reported with events. Every field
// can be localized through configuration.
type Messages struct {
	Failure        string
	Lost           string
	Queued         string
	Connecting     string
	PleaseWait     string
	PlacingCall    string
	CallAnswered   string
	ResumeDisabled string
	SIPError       string
	WANLoss        string
}

// DefaultMessages returns the English strings.
func DefaultMessages() Messages {
	return Messages{
		Failure:        "Sorry, we're experiencing technical difficulties, please try your ClearCaptions call again",
		Lost:           "Captioner lost...",
		Queued:         "Waiting for an available captioner...",
		Connecting:     "Connecting...",
		PleaseWait:     "Please wait...",
		PlacingCall:    "Placing Call",
		CallAnswered:   "Call answered",
		ResumeDisabled: "resume is disabled",
		SIPError:       "Whoops, something went wrong. Tap \"Captions\" to resume service.",
		WANLoss:        "WAN loss warning - 5 second keepAlive Timeout exceeded",
	}
}

// withDefaults fills empty fields from DefaultMessages.
func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&m.Failure, d.Failure)
	fill(&m.Lost, d.Lost)
	fill(&m.Queued, d.Queued)
	fill(&m.Connecting, d.Connecting)
	fill(&m.PleaseWait, d.PleaseWait)
	fill(&m.PlacingCall, d.PlacingCall)
	fill(&m.CallAnswered, d.CallAnswered)
	fill(&m.ResumeDisabled, d.ResumeDisabled)
	fill(&m.SIPError, d.SIPError)
	fill(&m.WANLoss, d.WANLoss)
	return m
}
