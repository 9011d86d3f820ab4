package ddp

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCorrelatorIds(t *testing.T) {
	correlator := newCorrelator()
	assert.Equal(t, "1", correlator.nextId())
	assert.Equal(t, "2", correlator.nextId())
	correlator.disconnect(&callbackQueue{})
	assert.Equal(t, "3", correlator.nextId())
}

func TestCorrelatorCallSlots(t *testing.T) {
	correlator := newCorrelator()

	results := 0
	updates := 0
	callId := correlator.nextId()
	correlator.addCall(callId, func(result any, err error) {
		results += 1
	}, func() {
		updates += 1
	})

	var callbacks callbackQueue
	correlator.updated([]string{callId}, &callbacks)
	correlator.updated([]string{callId}, &callbacks)
	assert.Equal(t, 1, correlator.pendingCallCount())
	correlator.result(callId, nil, nil, &callbacks)
	correlator.result(callId, nil, nil, &callbacks)
	assert.Equal(t, 0, correlator.pendingCallCount())

	// nothing runs until the queue runs
	assert.Equal(t, 0, results)
	callbacks.run()
	assert.Equal(t, 1, results)
	assert.Equal(t, 1, updates)

	// unknown ids
	callbacks = nil
	correlator.result("99", nil, nil, &callbacks)
	correlator.updated([]string{"99"}, &callbacks)
	correlator.ready([]string{"99"}, &callbacks)
	correlator.nosub("99", nil, &callbacks)
	assert.Equal(t, 0, len(callbacks))
}

func TestCorrelatorDisconnect(t *testing.T) {
	correlator := newCorrelator()

	order := []string{}
	for range 3 {
		callId := correlator.nextId()
		correlator.addCall(callId, func(result any, err error) {
			var disconnectErr *DisconnectError
			assert.Equal(t, errors.As(err, &disconnectErr), true)
			order = append(order, "result"+callId)
		}, func() {
			order = append(order, "updated"+callId)
		})
		subscriptionId := correlator.nextId()
		correlator.addSubscription(subscriptionId, "s", nil, func(err error) {
			var disconnectErr *DisconnectError
			assert.Equal(t, errors.As(err, &disconnectErr), true)
			order = append(order, "ready"+subscriptionId)
		})
	}

	// a call with its result already delivered still has its update slot
	var callbacks callbackQueue
	correlator.result("1", nil, nil, &callbacks)
	callbacks = nil

	correlator.disconnect(&callbacks)
	assert.Equal(t, 0, correlator.pendingCallCount())
	assert.Equal(t, 0, correlator.pendingSubscriptionCount())
	callbacks.run()

	assert.Equal(
		t,
		[]string{"updated1", "ready2", "result3", "updated3", "ready4", "result5", "updated5", "ready6"},
		order,
	)
}
