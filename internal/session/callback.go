package session

// Callback receives every user-visible event and protocol error. Methods are
// called from the controller goroutine in order and must not block on the
// controller; calling back into the controller is allowed.
type Callback interface {
	ProcessState(ev Event, msg string)
	ProcessError(code, msg string)
}

// Observer is notified of controller activity for metrics.
type Observer interface {
	StateChanged(from, to string)
	EventReported(ev string)
	PacketIn(kind string)
	PacketOut(method string)
	Reconnect(attempt int)
	ProtocolError(code string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, string) {}
func (nopObserver) EventReported(string)        {}
func (nopObserver) PacketIn(string)             {}
func (nopObserver) PacketOut(string)            {}
func (nopObserver) Reconnect(int)               {}
func (nopObserver) ProtocolError(string)        {}

// CallbackFuncs adapts two functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	State func(ev Event, msg string)
	Error func(code, msg string)
}

func (f CallbackFuncs) ProcessState(ev Event, msg string) {
	if f.State != nil {
		f.State(ev, msg)
	}
}

func (f CallbackFuncs) ProcessError(code, msg string) {
	if f.Error != nil {
		f.Error(code, msg)
	}
}
