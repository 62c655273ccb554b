package driftdb

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

/*
Last-write synchronizer for one key.

The simplest policy: local state is overwritten by both local writes and
every delivered event, whatever its sequence number. Out-of-order or
duplicate delivery just overwrites again; the last physical delivery
wins. Intended for low-contention scalar state where last-writer-wins
is acceptable and no reducer is needed. For convergent merge use
`ReducerSync`.
*/
type ValueSync[T any] struct {
	bus EventBus
	key Key

	monitor *Monitor

	stateLock sync.Mutex
	value     T
	sub       *Subscription
}

func NewValueSync[T any](bus EventBus, key Key, initialValue T) *ValueSync[T] {
	if bus == nil {
		panic("driftdb: value sync requires an event bus")
	}
	sync := &ValueSync[T]{
		bus:     bus,
		key:     key,
		monitor: NewMonitor(),
		value:   CopyJson(initialValue),
	}
	sync.sub = bus.Subscribe(key, sync.receiveEvent, nil)
	return sync
}

// the current value. a copy; mutating it does not affect the sync.
func (self *ValueSync[T]) Read() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return CopyJson(self.value)
}

// sets the local value immediately and submits a replace for the key.
// no retries. if the transport has no live connection the submission
// is dropped and the local value stands until the log replays.
func (self *ValueSync[T]) Write(value T) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Errorf("driftdb: value is not json-encodable: %w", err))
	}

	self.stateLock.Lock()
	if self.sub == nil {
		self.stateLock.Unlock()
		panic("driftdb: write on a closed value sync")
	}
	self.value = CopyJson(value)
	self.bus.Submit(NewReplacePush(self.key, valueJson))
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
}

// closed and replaced on every value change
func (self *ValueSync[T]) NotifyChannel() <-chan struct{} {
	return self.monitor.NotifyChannel()
}

func (self *ValueSync[T]) Close() {
	self.stateLock.Lock()
	sub := self.sub
	self.sub = nil
	self.stateLock.Unlock()

	self.bus.Unsubscribe(sub)
}

func (self *ValueSync[T]) receiveEvent(event SequenceEvent) {
	var value T
	if err := json.Unmarshal(event.Value, &value); err != nil {
		glog.Infof("[sync]%s unrecognized value seq=%d = %s\n", self.key, event.Seq, err)
		return
	}

	self.stateLock.Lock()
	// no sequence check. last physical delivery wins.
	self.value = value
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
}
