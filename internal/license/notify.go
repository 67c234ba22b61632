package license

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChangeReason says why the entitlement state changed.
type ChangeReason string

const (
	ReasonActivation    ChangeReason = "activation"
	ReasonDeactivation  ChangeReason = "deactivation"
	ReasonValidation    ChangeReason = "validation"
	ReasonExpiration    ChangeReason = "expiration"
	ReasonRevocation    ChangeReason = "revocation"
	ReasonNetworkChange ChangeReason = "network_change"
)

// Change is delivered to subscribers whenever the entitlement state
// visibly changes. Both snapshots are copies; observers cannot mutate the
// store through them.
type Change struct {
	Previous  EntitlementState `json:"previous"`
	Current   EntitlementState `json:"current"`
	Reason    ChangeReason     `json:"reason"`
	Timestamp time.Time        `json:"timestamp"`
}

// changeBufferSize bounds each subscriber channel. A UI repainting a
// license panel needs the latest few events, not a backlog.
const changeBufferSize = 16

// notifier fans entitlement changes out to subscribers.
type notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	closed      bool
}

func newNotifier() *notifier {
	return &notifier{
		subscribers: make(map[string]chan Change),
	}
}

// subscribe registers a new observer and returns its id and channel.
// The channel is closed on unsubscribe or when the service shuts down.
func (n *notifier) subscribe() (string, <-chan Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Change, changeBufferSize)
	if n.closed {
		close(ch)
		return id, ch
	}
	n.subscribers[id] = ch
	return id, ch
}

// unsubscribe removes an observer. Unknown ids are a no-op.
func (n *notifier) unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.subscribers[id]; ok {
		close(ch)
		delete(n.subscribers, id)
	}
}

// publish delivers a change to every subscriber without blocking. A stuck
// consumer loses events rather than wedging license operations.
func (n *notifier) publish(change Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	for id, ch := range n.subscribers {
		select {
		case ch <- change:
		default:
			log.Warn().
				Str("subscriber", id).
				Str("reason", string(change.Reason)).
				Msg("Entitlement change subscriber blocked, dropping event")
		}
	}
}

// close shuts down all subscriber channels. Idempotent.
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, id)
	}
}
