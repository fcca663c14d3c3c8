// registry.go: namespaced, predicate-filtered message dispatch registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// MessagePredicate decides whether a subscription's handler should run for a
// message. Predicates receive the message as an opaque value; the host makes
// no assumption about its shape beyond what the predicate itself inspects.
// Predicates may perform asynchronous I/O and should honor ctx.
type MessagePredicate func(ctx context.Context, message any) (bool, error)

// MessageHandler processes a message that passed its subscription's
// predicate. Handlers may perform asynchronous I/O and should honor ctx.
type MessageHandler func(ctx context.Context, message any) error

// EventSubscription is one named, predicate-filtered handler registration.
// The (Namespace, Name) pair is unique within the registry.
type EventSubscription struct {
	Namespace string
	Name      string
	Predicate MessagePredicate
	Handler   MessageHandler

	createdAt time.Time
}

// RegistryMetrics is a point-in-time snapshot of dispatch activity.
type RegistryMetrics struct {
	Dispatches        int64 `json:"dispatches"`
	HandlersInvoked   int64 `json:"handlers_invoked"`
	HandlerFailures   int64 `json:"handler_failures"`
	PredicateFailures int64 `json:"predicate_failures"`
	LastDispatchNano  int64 `json:"last_dispatch_nano"`
}

// EventRegistry is the publish/subscribe bus for inbound messages.
//
// Subscriptions are scoped per namespace (the subscriber's identity token,
// handed to each plugin once in its BootstrapContext), so two independent
// plugins may reuse the same subscription name without collision. The
// registry manages its own synchronization: concurrent subscribe and
// unsubscribe calls from multiple namespaces are safe while a dispatch is in
// progress.
//
// Dispatch order across and within namespaces follows insertion order but is
// NOT part of the contract; handlers must be independent of one another.
type EventRegistry struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*EventSubscription
	insertSeq  uint64
	sequence   map[*EventSubscription]uint64
	logger     Logger

	dispatches        atomic.Int64
	handlersInvoked   atomic.Int64
	handlerFailures   atomic.Int64
	predicateFailures atomic.Int64
	lastDispatchNano  atomic.Int64
}

// NewEventRegistry creates an empty event registry.
func NewEventRegistry(logger any) *EventRegistry {
	return &EventRegistry{
		namespaces: make(map[string]map[string]*EventSubscription),
		sequence:   make(map[*EventSubscription]uint64),
		logger:     NewLogger(logger),
	}
}

// Subscribe registers a named, predicate-filtered handler under a namespace.
//
// Fails with a DuplicateSubscription error when (namespace, name) is already
// present; the existing registration is left intact. A nil predicate matches
// every message.
func (er *EventRegistry) Subscribe(namespace, name string, predicate MessagePredicate, handler MessageHandler) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	subs, ok := er.namespaces[namespace]
	if !ok {
		subs = make(map[string]*EventSubscription)
		er.namespaces[namespace] = subs
	}

	if _, exists := subs[name]; exists {
		return NewDuplicateSubscriptionError(namespace, name)
	}

	sub := &EventSubscription{
		Namespace: namespace,
		Name:      name,
		Predicate: predicate,
		Handler:   handler,
		createdAt: timecache.CachedTime(),
	}
	subs[name] = sub
	er.insertSeq++
	er.sequence[sub] = er.insertSeq

	er.logger.Debug("Message subscription registered",
		"namespace", namespace,
		"subscription", name)

	return nil
}

// Unsubscribe removes a subscription. No-op when absent.
func (er *EventRegistry) Unsubscribe(namespace, name string) {
	er.mu.Lock()
	defer er.mu.Unlock()

	subs, ok := er.namespaces[namespace]
	if !ok {
		return
	}
	if sub, exists := subs[name]; exists {
		delete(subs, name)
		delete(er.sequence, sub)
	}
	if len(subs) == 0 {
		delete(er.namespaces, namespace)
	}
}

// IsSubscribed reports whether (namespace, name) is registered.
func (er *EventRegistry) IsSubscribed(namespace, name string) bool {
	er.mu.RLock()
	defer er.mu.RUnlock()

	subs, ok := er.namespaces[namespace]
	if !ok {
		return false
	}
	_, exists := subs[name]
	return exists
}

// Subscriptions returns a snapshot copy of one namespace's subscriptions
// keyed by name. Entries are copies of the registry's records; mutating the
// returned map or any entry does not affect the registry.
func (er *EventRegistry) Subscriptions(namespace string) map[string]*EventSubscription {
	er.mu.RLock()
	defer er.mu.RUnlock()

	snapshot := make(map[string]*EventSubscription, len(er.namespaces[namespace]))
	for name, sub := range er.namespaces[namespace] {
		copied := *sub
		snapshot[name] = &copied
	}
	return snapshot
}

// ClearNamespace removes every subscription belonging to one namespace only.
func (er *EventRegistry) ClearNamespace(namespace string) {
	er.mu.Lock()
	defer er.mu.Unlock()

	for _, sub := range er.namespaces[namespace] {
		delete(er.sequence, sub)
	}
	delete(er.namespaces, namespace)
}

// SubscriptionCount returns the total number of subscriptions across all
// namespaces.
func (er *EventRegistry) SubscriptionCount() int {
	er.mu.RLock()
	defer er.mu.RUnlock()

	total := 0
	for _, subs := range er.namespaces {
		total += len(subs)
	}
	return total
}

// Dispatch evaluates every subscription's predicate against the message and
// invokes the handlers whose predicates return true.
//
// A stable snapshot of the subscription set is taken at the start of the
// call: subscriptions added mid-dispatch may or may not see this message.
// Errors and panics from one subscription's predicate or handler are caught,
// logged with the subscription's name, and never prevent evaluation of the
// remaining subscriptions.
func (er *EventRegistry) Dispatch(ctx context.Context, message any) {
	snapshot := er.snapshotSubscriptions()

	er.dispatches.Add(1)
	er.lastDispatchNano.Store(timecache.CachedTimeNano())

	for _, sub := range snapshot {
		er.dispatchOne(ctx, sub, message)
	}
}

// snapshotSubscriptions copies the current subscription set in insertion
// order.
func (er *EventRegistry) snapshotSubscriptions() []*EventSubscription {
	er.mu.RLock()
	defer er.mu.RUnlock()

	snapshot := make([]*EventSubscription, 0, len(er.sequence))
	for _, subs := range er.namespaces {
		for _, sub := range subs {
			snapshot = append(snapshot, sub)
		}
	}

	seq := er.sequence
	for i := 1; i < len(snapshot); i++ {
		for j := i; j > 0 && seq[snapshot[j-1]] > seq[snapshot[j]]; j-- {
			snapshot[j-1], snapshot[j] = snapshot[j], snapshot[j-1]
		}
	}
	return snapshot
}

// dispatchOne runs one subscription's predicate and handler with full
// failure isolation.
func (er *EventRegistry) dispatchOne(ctx context.Context, sub *EventSubscription, message any) {
	defer withStackRecover(er.logger.With(
		"namespace", sub.Namespace,
		"subscription", sub.Name))()

	if sub.Predicate != nil {
		matched, err := sub.Predicate(ctx, message)
		if err != nil {
			er.predicateFailures.Add(1)
			er.logger.Error("Message predicate failed",
				"namespace", sub.Namespace,
				"subscription", sub.Name,
				"error", err)
			return
		}
		if !matched {
			return
		}
	}

	er.handlersInvoked.Add(1)
	if err := sub.Handler(ctx, message); err != nil {
		er.handlerFailures.Add(1)
		er.logger.Error("Message handler failed",
			"namespace", sub.Namespace,
			"subscription", sub.Name,
			"error", err)
	}
}

// Metrics returns a snapshot of dispatch activity counters.
func (er *EventRegistry) Metrics() RegistryMetrics {
	return RegistryMetrics{
		Dispatches:        er.dispatches.Load(),
		HandlersInvoked:   er.handlersInvoked.Load(),
		HandlerFailures:   er.handlerFailures.Load(),
		PredicateFailures: er.predicateFailures.Load(),
		LastDispatchNano:  er.lastDispatchNano.Load(),
	}
}
