package ddp

import (
	"sync"
)

type AddedFunction func(id string)
type ChangedFunction func(id string, oldFields map[string]any, clearedFields []string, newFields map[string]any)
type RemovedFunction func(id string, oldValue Document)

// a listener for replica deltas of one collection.
// the collection name and observer id are fixed at creation.
type Observer struct {
	collectionName string
	observerId     string
	registry       *observerRegistry

	mutex   sync.Mutex
	added   AddedFunction
	changed ChangedFunction
	removed RemovedFunction
}

func newObserver(
	registry *observerRegistry,
	collectionName string,
	observerId string,
	added AddedFunction,
	changed ChangedFunction,
	removed RemovedFunction,
) *Observer {
	observer := &Observer{
		collectionName: collectionName,
		observerId:     observerId,
		registry:       registry,
	}
	observer.SetAdded(added)
	observer.SetChanged(changed)
	observer.SetRemoved(removed)
	return observer
}

func (self *Observer) CollectionName() string {
	return self.collectionName
}

func (self *Observer) ObserverId() string {
	return self.observerId
}

func (self *Observer) SetAdded(added AddedFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if added == nil {
		added = func(string) {}
	}
	self.added = added
}

func (self *Observer) SetChanged(changed ChangedFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if changed == nil {
		changed = func(string, map[string]any, []string, map[string]any) {}
	}
	self.changed = changed
}

func (self *Observer) SetRemoved(removed RemovedFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if removed == nil {
		removed = func(string, Document) {}
	}
	self.removed = removed
}

func (self *Observer) notifyAdded(id string) {
	self.mutex.Lock()
	added := self.added
	self.mutex.Unlock()
	added(id)
}

func (self *Observer) notifyChanged(id string, oldFields map[string]any, clearedFields []string, newFields map[string]any) {
	self.mutex.Lock()
	changed := self.changed
	self.mutex.Unlock()
	changed(id, oldFields, clearedFields, newFields)
}

func (self *Observer) notifyRemoved(id string, oldValue Document) {
	self.mutex.Lock()
	removed := self.removed
	self.mutex.Unlock()
	removed(id, oldValue)
}

// unregisters the observer. Calling more than once is a no-op.
func (self *Observer) Stop() {
	self.registry.remove(self)
}

// observers by collection name, in registration order
type observerRegistry struct {
	mutex               sync.Mutex
	collectionObservers map[string][]*Observer
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{
		collectionObservers: map[string][]*Observer{},
	}
}

func (self *observerRegistry) add(observer *Observer) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	observers := self.collectionObservers[observer.collectionName]
	for _, o := range observers {
		if o == observer {
			// already present
			return
		}
	}
	// copy on write so `get` can hand out the slice
	nextObservers := make([]*Observer, 0, len(observers)+1)
	nextObservers = append(nextObservers, observers...)
	nextObservers = append(nextObservers, observer)
	self.collectionObservers[observer.collectionName] = nextObservers
}

func (self *observerRegistry) remove(observer *Observer) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	observers := self.collectionObservers[observer.collectionName]
	nextObservers := make([]*Observer, 0, len(observers))
	for _, o := range observers {
		if o != observer {
			nextObservers = append(nextObservers, o)
		}
	}
	if len(nextObservers) == len(observers) {
		// not present
		return
	}
	if len(nextObservers) == 0 {
		delete(self.collectionObservers, observer.collectionName)
	} else {
		self.collectionObservers[observer.collectionName] = nextObservers
	}
}

func (self *observerRegistry) get(collectionName string) []*Observer {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.collectionObservers[collectionName]
}

func (self *observerRegistry) count(collectionName string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.collectionObservers[collectionName])
}
