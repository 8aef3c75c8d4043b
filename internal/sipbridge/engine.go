package sipbridge

import "context"

// Engine is the SIP protocol engine behind the bridge. Implementations own
// transactions and dialogs and report progress through an EngineListener.
type Engine interface {
	// Register announces the local profile. A local profile reports READY
	// without any network exchange.
	Register(ctx context.Context) error
	// SendInvite starts a call toward target.
	SendInvite(ctx context.Context, target Contact) error
	// EndCall sends BYE for an established call or CANCEL for one in
	// progress.
	EndCall(ctx context.Context) error
	Unregister(ctx context.Context) error
	// ForceState injects a state into the notification path.
	ForceState(s ManagerState, info string)
	State() ManagerState
	Close() error
}

// EngineListener receives engine notifications. Notifications are delivered
// one at a time, in order.
type EngineListener interface {
	StatusChanged(s ManagerState, info string)
	CallStatus(msg string)
	// SessionChanged reports the negotiated media, or nil when an
	// established call is torn down.
	SessionChanged(sess *MediaSession)
}

// EngineConfig configures one engine instance.
type EngineConfig struct {
	Profile   LocalProfile
	UserAgent string
}

// EngineFactory builds an engine for one call.
type EngineFactory func(cfg EngineConfig, l EngineListener) (Engine, error)
