package cluster

import (
	"sync"

	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// Notifier broadcasts endpoint join/leave events to subscribers.
//
// Events are delivered to the channels registered at the time of the notify
// call only; there is no backlog or replay for late subscribers. Delivery is
// best effort: each subscriber channel buffers subscriberBuffer events, and
// an event arriving while a channel is full is dropped for that subscriber.
// A subscription stays registered until the owner explicitly unsubscribes --
// a subscriber that terminates without unsubscribing leaks its slot.
type Notifier struct {
	mu   sync.RWMutex
	up   []chan types.ClusterEvent
	down []chan types.ClusterEvent
}

// subscriberBuffer is the capacity of each subscriber channel. Events past
// a full buffer are dropped, not queued.
const subscriberBuffer = 16

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// SubscribeUp registers a channel for future endpoint-up events. The channel
// holds subscriberBuffer events; a subscriber that falls behind loses the
// events that arrive while its buffer is full.
func (n *Notifier) SubscribeUp() <-chan types.ClusterEvent {
	ch := make(chan types.ClusterEvent, subscriberBuffer)
	n.mu.Lock()
	n.up = append(n.up, ch)
	n.mu.Unlock()
	return ch
}

// SubscribeDown registers a channel for future endpoint-down events. The
// channel holds subscriberBuffer events; a subscriber that falls behind loses
// the events that arrive while its buffer is full.
func (n *Notifier) SubscribeDown() <-chan types.ClusterEvent {
	ch := make(chan types.ClusterEvent, subscriberBuffer)
	n.mu.Lock()
	n.down = append(n.down, ch)
	n.mu.Unlock()
	return ch
}

// UnsubscribeUp removes a previously registered up-channel.
func (n *Notifier) UnsubscribeUp(ch <-chan types.ClusterEvent) {
	n.mu.Lock()
	n.up = removeSub(n.up, ch)
	n.mu.Unlock()
}

// UnsubscribeDown removes a previously registered down-channel.
func (n *Notifier) UnsubscribeDown(ch <-chan types.ClusterEvent) {
	n.mu.Lock()
	n.down = removeSub(n.down, ch)
	n.mu.Unlock()
}

// NotifyUp broadcasts an endpoint-up event to current up-subscribers.
func (n *Notifier) NotifyUp(endpoint types.Endpoint, tags []types.Tag) {
	n.broadcast(true, types.ClusterEvent{
		Type:     types.EventEndpointUp,
		Endpoint: endpoint,
		Tags:     tags,
	})
}

// NotifyDown broadcasts an endpoint-down event to current down-subscribers.
func (n *Notifier) NotifyDown(endpoint types.Endpoint) {
	n.broadcast(false, types.ClusterEvent{
		Type:     types.EventEndpointDown,
		Endpoint: endpoint,
	})
}

func (n *Notifier) broadcast(up bool, event types.ClusterEvent) {
	n.mu.RLock()
	subs := n.down
	if up {
		subs = n.up
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			logger.Warn("notifier: dropping event, subscriber channel full",
				"event", event.Type, "endpoint", event.Endpoint)
		}
	}
	n.mu.RUnlock()
}

func removeSub(subs []chan types.ClusterEvent, target <-chan types.ClusterEvent) []chan types.ClusterEvent {
	for i, ch := range subs {
		if ch == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
