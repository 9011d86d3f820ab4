package ddp

import (
	"sync"

	"golang.org/x/exp/slices"
)

// field name -> value, always carrying `_id`
type Document map[string]any

func (self Document) Id() string {
	id, _ := self["_id"].(string)
	return id
}

func (self Document) clone() Document {
	document := make(Document, len(self))
	for key, value := range self {
		document[key] = value
	}
	return document
}

// the local mirror of server published collections.
// mutated only by added/changed/removed deltas. Reads return copies.
type Replica struct {
	mutex       sync.RWMutex
	collections map[string]map[string]Document

	observers *observerRegistry
}

func newReplica(observers *observerRegistry) *Replica {
	return &Replica{
		collections: map[string]map[string]Document{},
		observers:   observers,
	}
}

func (self *Replica) Document(collectionName string, id string) (Document, bool) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return nil, false
	}
	document, ok := collection[id]
	if !ok {
		return nil, false
	}
	return document.clone(), true
}

// nil if the collection has never seen an `added`
func (self *Replica) Collection(collectionName string) map[string]Document {
	self.mutex.RLock()
	defer self.mutex.RUnlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return nil
	}
	out := make(map[string]Document, len(collection))
	for id, document := range collection {
		out[id] = document.clone()
	}
	return out
}

func (self *Replica) CollectionNames() []string {
	self.mutex.RLock()
	defer self.mutex.RUnlock()

	names := make([]string, 0, len(self.collections))
	for name := range self.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// merges `fields` into the document, creating the collection and document as needed
func (self *Replica) applyAdded(collectionName string, id string, fields map[string]any, callbacks *callbackQueue) {
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		collection, ok := self.collections[collectionName]
		if !ok {
			collection = map[string]Document{}
			self.collections[collectionName] = collection
		}
		document, ok := collection[id]
		if !ok {
			document = Document{}
			collection[id] = document
		}
		for key, value := range fields {
			document[key] = value
		}
		document["_id"] = id
	}()

	for _, observer := range self.observers.get(collectionName) {
		callbacks.add(func() {
			observer.notifyAdded(id)
		})
	}
}

// sets `fields` and deletes `clearedFields` on an existing document.
// unknown collections and documents are ignored.
func (self *Replica) applyChanged(
	collectionName string,
	id string,
	fields map[string]any,
	clearedFields []string,
	callbacks *callbackQueue,
) {
	oldFields := map[string]any{}
	newFields := map[string]any{}
	if clearedFields == nil {
		clearedFields = []string{}
	}

	changed := func() bool {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		collection, ok := self.collections[collectionName]
		if !ok {
			return false
		}
		document, ok := collection[id]
		if !ok {
			return false
		}
		for key, value := range fields {
			// absent fields have a nil old value
			oldFields[key] = document[key]
			newFields[key] = value
			document[key] = value
		}
		for _, key := range clearedFields {
			delete(document, key)
		}
		return true
	}()
	if !changed {
		return
	}

	for _, observer := range self.observers.get(collectionName) {
		callbacks.add(func() {
			observer.notifyChanged(id, oldFields, clearedFields, newFields)
		})
	}
}

// deletes the document. Unknown collections and documents are ignored.
func (self *Replica) applyRemoved(collectionName string, id string, callbacks *callbackQueue) {
	oldValue, removed := func() (Document, bool) {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		collection, ok := self.collections[collectionName]
		if !ok {
			return nil, false
		}
		document, ok := collection[id]
		if !ok {
			return nil, false
		}
		delete(collection, id)
		return document, true
	}()
	if !removed {
		return
	}

	for _, observer := range self.observers.get(collectionName) {
		callbacks.add(func() {
			observer.notifyRemoved(id, oldValue)
		})
	}
}
