package ddp

import (
	"fmt"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
)

func applyTestDeltas(replica *Replica, apply func(callbacks *callbackQueue)) {
	var callbacks callbackQueue
	apply(&callbacks)
	callbacks.run()
}

func TestReplicaAddMerges(t *testing.T) {
	replica := newReplica(newObserverRegistry())

	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "1", map[string]any{"a": 1, "b": 2}, callbacks)
		replica.applyAdded("c", "1", map[string]any{"b": 3, "_id": "ignored"}, callbacks)
	})

	document, ok := replica.Document("c", "1")
	assert.Equal(t, true, ok)
	assert.Equal(t, Document{"_id": "1", "a": 1, "b": 3}, document)
	assert.Equal(t, "1", document.Id())

	// reads are copies
	document["a"] = 100
	document, _ = replica.Document("c", "1")
	assert.Equal(t, 1, document["a"])
}

func TestReplicaChanged(t *testing.T) {
	replica := newReplica(newObserverRegistry())

	var oldFieldsSeen map[string]any
	var clearedSeen []string
	var newFieldsSeen map[string]any
	observer := newObserver(replica.observers, "c", "1", nil, func(id string, oldFields map[string]any, clearedFields []string, newFields map[string]any) {
		oldFieldsSeen = oldFields
		clearedSeen = clearedFields
		newFieldsSeen = newFields
	}, nil)
	replica.observers.add(observer)

	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "1", map[string]any{"a": 1, "b": 2, "c": 3}, callbacks)
		replica.applyChanged("c", "1", map[string]any{"a": 10, "d": 4}, []string{"b"}, callbacks)
	})

	document, _ := replica.Document("c", "1")
	assert.Equal(t, Document{"_id": "1", "a": 10, "c": 3, "d": 4}, document)
	assert.Equal(t, map[string]any{"a": 1, "d": nil}, oldFieldsSeen)
	assert.Equal(t, []string{"b"}, clearedSeen)
	assert.Equal(t, map[string]any{"a": 10, "d": 4}, newFieldsSeen)

	// a missing cleared list is empty
	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyChanged("c", "1", map[string]any{"a": 11}, nil, callbacks)
	})
	assert.Equal(t, []string{}, clearedSeen)
}

func TestReplicaUnknownIds(t *testing.T) {
	replica := newReplica(newObserverRegistry())

	notified := 0
	observer := newObserver(
		replica.observers,
		"c",
		"1",
		nil,
		func(string, map[string]any, []string, map[string]any) {
			notified += 1
		},
		func(string, Document) {
			notified += 1
		},
	)
	replica.observers.add(observer)

	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyChanged("c", "1", map[string]any{"a": 1}, nil, callbacks)
		replica.applyRemoved("c", "1", callbacks)
		replica.applyAdded("c", "2", map[string]any{}, callbacks)
		replica.applyChanged("c", "1", map[string]any{"a": 1}, nil, callbacks)
		replica.applyRemoved("c", "1", callbacks)
	})

	assert.Equal(t, 0, notified)
	assert.Equal(t, map[string]Document{"2": {"_id": "2"}}, replica.Collection("c"))
	assert.Equal(t, true, replica.Collection("other") == nil)
	_, ok := replica.Document("other", "1")
	assert.Equal(t, false, ok)
}

func TestReplicaAddRemoveRoundTrip(t *testing.T) {
	replica := newReplica(newObserverRegistry())

	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "keep", map[string]any{"x": "y"}, callbacks)
	})
	before := replica.Collection("c")

	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "temp", map[string]any{"a": 1}, callbacks)
		replica.applyRemoved("c", "temp", callbacks)
	})

	if diff := cmp.Diff(before, replica.Collection("c")); diff != "" {
		t.Fatalf("replica changed (-before +after):\n%s", diff)
	}
}

// random delta sequences fold to the same state as a plain map model
func TestReplicaFold(t *testing.T) {
	r := mathrand.New(mathrand.NewSource(0))

	for range 32 {
		replica := newReplica(newObserverRegistry())
		model := map[string]map[string]Document{}

		for range 256 {
			collectionName := fmt.Sprintf("c%d", r.Intn(3))
			id := fmt.Sprintf("%d", r.Intn(8))
			key := fmt.Sprintf("k%d", r.Intn(4))
			value := r.Intn(100)

			applyTestDeltas(replica, func(callbacks *callbackQueue) {
				switch r.Intn(3) {
				case 0:
					replica.applyAdded(collectionName, id, map[string]any{key: value}, callbacks)

					collection, ok := model[collectionName]
					if !ok {
						collection = map[string]Document{}
						model[collectionName] = collection
					}
					document, ok := collection[id]
					if !ok {
						document = Document{"_id": id}
						collection[id] = document
					}
					document[key] = value
				case 1:
					cleared := fmt.Sprintf("k%d", r.Intn(4))
					if cleared == key {
						cleared = ""
					}
					replica.applyChanged(collectionName, id, map[string]any{key: value}, []string{cleared}, callbacks)

					if document, ok := model[collectionName][id]; ok {
						document[key] = value
						delete(document, cleared)
					}
				default:
					replica.applyRemoved(collectionName, id, callbacks)

					if collection, ok := model[collectionName]; ok {
						delete(collection, id)
					}
				}
			})
		}

		for collectionName, collection := range model {
			if diff := cmp.Diff(collection, replica.Collection(collectionName)); diff != "" {
				t.Fatalf("collection %s (-model +replica):\n%s", collectionName, diff)
			}
		}
		assert.Equal(t, len(model), len(replica.CollectionNames()))
	}
}

func TestObserverOrderAndStop(t *testing.T) {
	registry := newObserverRegistry()
	replica := newReplica(registry)

	events := []string{}
	observers := []*Observer{}
	for i := range 3 {
		observer := newObserver(registry, "c", fmt.Sprintf("%d", i), func(id string) {
			events = append(events, fmt.Sprintf("%d:%s", i, id))
		}, nil, nil)
		registry.add(observer)
		observers = append(observers, observer)
	}
	other := newObserver(registry, "d", "3", func(id string) {
		events = append(events, "other:"+id)
	}, nil, nil)
	registry.add(other)

	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "a", nil, callbacks)
	})
	assert.Equal(t, []string{"0:a", "1:a", "2:a"}, events)

	observers[1].Stop()
	observers[1].Stop()
	assert.Equal(t, 2, registry.count("c"))
	assert.Equal(t, 1, registry.count("d"))

	events = []string{}
	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "b", nil, callbacks)
		replica.applyAdded("d", "b", nil, callbacks)
	})
	assert.Equal(t, []string{"0:b", "2:b", "other:b"}, events)

	// callbacks can be replaced after registration
	events = []string{}
	observers[0].SetAdded(nil)
	applyTestDeltas(replica, func(callbacks *callbackQueue) {
		replica.applyAdded("c", "c", nil, callbacks)
	})
	assert.Equal(t, []string{"2:c"}, events)
}
