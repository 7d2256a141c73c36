package nats

import "sync"

// Subscription records one active SUB on a connection. It is owned by the
// connection's registry; fields written after allocation are guarded by the
// registry lock.
type Subscription struct {
	SID     uint64
	Subject string
	Queue   string

	handler       MessageHandler
	delivered     int
	maxDeliveries int // 0 means unlimited
}

// subscriptionRegistry is the single source of truth for which subscriptions
// are still active. It is mutated from the caller's goroutine (subscribe,
// unsubscribe, close) and read from the dispatch goroutine (deliver), so
// every operation takes the one lock.
type subscriptionRegistry struct {
	lock    sync.Mutex
	nextSID uint64
	subs    map[uint64]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[uint64]*Subscription)}
}

// allocate reserves the next identifier and inserts the record atomically.
// Identifiers start at 1 and are never reused within the registry's lifetime.
func (registry *subscriptionRegistry) allocate(subject string, queue string, handler MessageHandler, maxDeliveries int) *Subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.nextSID++
	subscription := &Subscription{
		SID:           registry.nextSID,
		Subject:       subject,
		Queue:         queue,
		handler:       handler,
		maxDeliveries: maxDeliveries,
	}
	registry.subs[subscription.SID] = subscription

	return subscription
}

func (registry *subscriptionRegistry) remove(sid uint64) bool {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	_, exists := registry.subs[sid]
	delete(registry.subs, sid)
	return exists
}

func (registry *subscriptionRegistry) lookup(sid uint64) *Subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return registry.subs[sid]
}

// setDrainLimit caps an existing subscription so it is auto-removed after
// `limit` further deliveries. No-op for unknown identifiers.
func (registry *subscriptionRegistry) setDrainLimit(sid uint64, limit int) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if subscription, exists := registry.subs[sid]; exists {
		subscription.maxDeliveries = subscription.delivered + limit
	}
}

// deliver routes a message to its subscription's handler. The active check,
// delivered-count increment, and max-deliveries removal happen atomically
// under the registry lock; the handler itself runs outside the lock so it may
// call back into the client. Returns false when the identifier is no longer
// present (the expected unsubscribe race), in which case the message is
// silently dropped.
func (registry *subscriptionRegistry) deliver(message *Message) (bool, error) {
	registry.lock.Lock()
	subscription, exists := registry.subs[message.SID]
	if !exists {
		registry.lock.Unlock()
		return false, nil
	}
	subscription.delivered++
	if subscription.maxDeliveries > 0 && subscription.delivered >= subscription.maxDeliveries {
		delete(registry.subs, subscription.SID)
	}
	handler := subscription.handler
	registry.lock.Unlock()

	if handler == nil {
		return true, nil
	}
	if err := handler(message); err != nil {
		return true, NewError(MessageHandlerError, err)
	}
	return true, nil
}

func (registry *subscriptionRegistry) clear() {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	registry.subs = make(map[uint64]*Subscription)
}

func (registry *subscriptionRegistry) size() int {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return len(registry.subs)
}
