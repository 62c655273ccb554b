package driftdb

import (
	"encoding/json"
	"fmt"
	"sync"
)

// fans out "something changed" to waiters. the notify channel is closed
// and replaced on each change, so waiters re-arm by calling
// `NotifyChannel` again after a wake.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on read.
// callbacks are not comparable, so entries are tracked by id.
type callbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

// in add order
func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := []int{}
	for _, existingCallbackId := range self.callbackIds {
		if existingCallbackId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingCallbackId)
		}
	}
	self.callbackIds = nextCallbackIds
}

// structural value copy via the json codec. state values always
// round-trip through json on the wire, so anything a synchronizer can
// hold is copyable this way. confirmed and optimistic state must never
// alias each other.
func CopyJson[T any](value T) T {
	valueJson, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Errorf("value is not json-copyable: %w", err))
	}
	var valueCopy T
	if err := json.Unmarshal(valueJson, &valueCopy); err != nil {
		panic(fmt.Errorf("value is not json-copyable: %w", err))
	}
	return valueCopy
}
