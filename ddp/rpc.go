package ddp

import (
	"strconv"

	"golang.org/x/exp/slices"
)

type ResultFunction func(result any, err error)
type UpdatedFunction func()

// `err` is nil on `ready`, the server error on `nosub`,
// or a `*DisconnectError` when the socket is lost first
type ReadyFunction func(err error)

// both slots fire at most once, in either order
type pendingCall struct {
	callId          string
	resultCallback  ResultFunction
	updatedCallback UpdatedFunction
}

type pendingSubscription struct {
	subscriptionId string
	name           string
	params         []any
	readyCallback  ReadyFunction
}

// correlates requests with responses by id.
// not locked, the client holds its state lock around every use.
type correlator struct {
	// shared by calls, subscriptions, and observers. Never reset.
	lastId uint64

	calls         map[string]*pendingCall
	subscriptions map[string]*pendingSubscription
}

func newCorrelator() *correlator {
	return &correlator{
		calls:         map[string]*pendingCall{},
		subscriptions: map[string]*pendingSubscription{},
	}
}

func (self *correlator) nextId() string {
	self.lastId += 1
	return strconv.FormatUint(self.lastId, 10)
}

func (self *correlator) addCall(callId string, resultCallback ResultFunction, updatedCallback UpdatedFunction) {
	if resultCallback == nil {
		resultCallback = func(any, error) {}
	}
	if updatedCallback == nil {
		updatedCallback = func() {}
	}
	self.calls[callId] = &pendingCall{
		callId:          callId,
		resultCallback:  resultCallback,
		updatedCallback: updatedCallback,
	}
}

func (self *correlator) addSubscription(subscriptionId string, name string, params []any, readyCallback ReadyFunction) {
	if readyCallback == nil {
		readyCallback = func(error) {}
	}
	self.subscriptions[subscriptionId] = &pendingSubscription{
		subscriptionId: subscriptionId,
		name:           name,
		params:         params,
		readyCallback:  readyCallback,
	}
}

func (self *correlator) pendingCallCount() int {
	return len(self.calls)
}

func (self *correlator) pendingSubscriptionCount() int {
	return len(self.subscriptions)
}

func (self *correlator) removeCallIfSettled(call *pendingCall) {
	if call.resultCallback == nil && call.updatedCallback == nil {
		delete(self.calls, call.callId)
	}
}

// `result`. The update slot stays registered until its own `updated` arrives.
func (self *correlator) result(callId string, result any, err error, callbacks *callbackQueue) {
	call, ok := self.calls[callId]
	if !ok || call.resultCallback == nil {
		return
	}
	resultCallback := call.resultCallback
	call.resultCallback = nil
	self.removeCallIfSettled(call)
	callbacks.add(func() {
		resultCallback(result, err)
	})
}

// `updated`
func (self *correlator) updated(callIds []string, callbacks *callbackQueue) {
	for _, callId := range callIds {
		call, ok := self.calls[callId]
		if !ok || call.updatedCallback == nil {
			continue
		}
		updatedCallback := call.updatedCallback
		call.updatedCallback = nil
		self.removeCallIfSettled(call)
		callbacks.add(updatedCallback)
	}
}

// `ready`
func (self *correlator) ready(subscriptionIds []string, callbacks *callbackQueue) {
	for _, subscriptionId := range subscriptionIds {
		subscription, ok := self.subscriptions[subscriptionId]
		if !ok {
			continue
		}
		delete(self.subscriptions, subscriptionId)
		readyCallback := subscription.readyCallback
		callbacks.add(func() {
			readyCallback(nil)
		})
	}
}

// `nosub`. `err` is nil when the server ended the subscription without error, e.g. after `unsub`
func (self *correlator) nosub(subscriptionId string, err error, callbacks *callbackQueue) {
	subscription, ok := self.subscriptions[subscriptionId]
	if !ok {
		return
	}
	delete(self.subscriptions, subscriptionId)
	readyCallback := subscription.readyCallback
	callbacks.add(func() {
		readyCallback(err)
	})
}

// fails one request locally, e.g. when it could not be encoded
func (self *correlator) fail(id string, err error, callbacks *callbackQueue) {
	if call, ok := self.calls[id]; ok {
		delete(self.calls, id)
		if call.resultCallback != nil {
			resultCallback := call.resultCallback
			callbacks.add(func() {
				resultCallback(nil, err)
			})
		}
		if call.updatedCallback != nil {
			callbacks.add(call.updatedCallback)
		}
	}
	if subscription, ok := self.subscriptions[id]; ok {
		delete(self.subscriptions, id)
		readyCallback := subscription.readyCallback
		callbacks.add(func() {
			readyCallback(err)
		})
	}
}

// the socket was lost. Every pending result slot gets a `*DisconnectError`,
// every pending update slot fires, and every pending subscription gets a `*DisconnectError`.
// Requests are failed in id order.
func (self *correlator) disconnect(callbacks *callbackQueue) {
	ids := make([]uint64, 0, len(self.calls)+len(self.subscriptions))
	for id := range self.calls {
		ids = append(ids, parseId(id))
	}
	for id := range self.subscriptions {
		ids = append(ids, parseId(id))
	}
	slices.Sort(ids)

	disconnectErr := &DisconnectError{}
	for _, id := range ids {
		self.fail(strconv.FormatUint(id, 10), disconnectErr, callbacks)
	}
	self.calls = map[string]*pendingCall{}
	self.subscriptions = map[string]*pendingSubscription{}
}

func parseId(id string) uint64 {
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}
