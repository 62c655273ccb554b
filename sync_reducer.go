package driftdb

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// pure fold function shared by all participants on a key.
// must be deterministic, or the participants will not converge.
type Reducer[T any, A any] func(state T, action A) T

type ReducerSyncSettings struct {
	// a size signal above this submits a compaction.
	// counted in log entries by the store.
	SizeThreshold int
}

func DefaultReducerSyncSettings() *ReducerSyncSettings {
	return &ReducerSyncSettings{
		SizeThreshold: 5,
	}
}

/*
Reconciles optimistic local edits with the confirmed event log of one key.

Two projections are kept:
- confirmed: the fold, in sequence order, of every confirmed event.
  Authoritative. All participants converge to it.
- optimistic: what the consumer renders. Advanced immediately on
  `Dispatch`, before the store confirms anything.

There is no pending-action queue. On every confirmed event the
optimistic projection is collapsed to a copy of the confirmed one, so a
speculative edit is visible only until the next confirmation. A single
in-flight dispatch is masked until its own echo returns, at which point
both projections agree again. Concurrent rapid dispatches can be
transiently reverted and then reappear as their echoes fold in.

Compaction: when the store reports the key's log above
`SizeThreshold`, and at least one event has been confirmed, submit a
snapshot of the confirmed state at the confirmed sequence number. The
store decides how and when to apply it.
*/
type ReducerSync[T any, A any] struct {
	bus      EventBus
	key      Key
	reducer  Reducer[T, A]
	settings *ReducerSyncSettings

	monitor *Monitor

	stateLock    sync.Mutex
	optimistic   T
	confirmed    T
	confirmedSeq SequenceNumber
	sub          *Subscription
}

func NewReducerSyncWithDefaults[T any, A any](
	bus EventBus,
	key Key,
	reducer Reducer[T, A],
	initialValue T,
) *ReducerSync[T, A] {
	return NewReducerSync(bus, key, reducer, initialValue, DefaultReducerSyncSettings())
}

func NewReducerSync[T any, A any](
	bus EventBus,
	key Key,
	reducer Reducer[T, A],
	initialValue T,
	settings *ReducerSyncSettings,
) *ReducerSync[T, A] {
	if bus == nil {
		panic("driftdb: reducer sync requires an event bus")
	}
	if reducer == nil {
		panic("driftdb: reducer sync requires a reducer")
	}
	sync := &ReducerSync[T, A]{
		bus:        bus,
		key:        key,
		reducer:    reducer,
		settings:   settings,
		monitor:    NewMonitor(),
		optimistic: CopyJson(initialValue),
		confirmed:  CopyJson(initialValue),
	}
	sync.sub = bus.Subscribe(key, sync.receiveEvent, sync.receiveSize)
	return sync
}

// applies `action` locally and submits it for confirmation.
// never blocks. the submission is fire and forget; the echo of this
// action folds into the confirmed state when the store delivers it.
func (self *ReducerSync[T, A]) Dispatch(action A) {
	actionJson, err := json.Marshal(action)
	if err != nil {
		// an action that cannot reach the store can never converge
		panic(fmt.Errorf("driftdb: action is not json-encodable: %w", err))
	}

	self.stateLock.Lock()
	if self.sub == nil {
		self.stateLock.Unlock()
		panic("driftdb: dispatch on a closed reducer sync")
	}
	self.optimistic = self.reducer(self.optimistic, action)
	self.bus.Submit(NewAppendPush(self.key, actionJson))
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
}

// the rendered state. a copy; mutating it does not affect the sync.
func (self *ReducerSync[T, A]) Value() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return CopyJson(self.optimistic)
}

// the fold of the confirmed log. a copy.
func (self *ReducerSync[T, A]) ConfirmedValue() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return CopyJson(self.confirmed)
}

// highest sequence number folded so far. 0 until the first event.
func (self *ReducerSync[T, A]) ConfirmedSeq() SequenceNumber {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.confirmedSeq
}

// closed and replaced on every state change
func (self *ReducerSync[T, A]) NotifyChannel() <-chan struct{} {
	return self.monitor.NotifyChannel()
}

func (self *ReducerSync[T, A]) Close() {
	self.stateLock.Lock()
	sub := self.sub
	self.sub = nil
	self.stateLock.Unlock()

	self.bus.Unsubscribe(sub)
}

func (self *ReducerSync[T, A]) receiveEvent(event SequenceEvent) {
	self.stateLock.Lock()

	if event.Seq <= self.confirmedSeq {
		// duplicate or stale. the confirmed sequence number never goes back.
		glog.V(2).Infof("[sync]%s discard stale seq=%d confirmed=%d\n", self.key, event.Seq, self.confirmedSeq)
		self.stateLock.Unlock()
		return
	}

	var payload struct {
		Apply *json.RawMessage `json:"apply"`
		Reset *json.RawMessage `json:"reset"`
	}
	if err := json.Unmarshal(event.Value, &payload); err != nil {
		glog.Infof("[sync]%s unrecognized payload seq=%d = %s\n", self.key, event.Seq, err)
		self.stateLock.Unlock()
		return
	}

	switch {
	case payload.Reset != nil:
		var resetValue T
		if err := json.Unmarshal(*payload.Reset, &resetValue); err != nil {
			glog.Infof("[sync]%s bad reset seq=%d = %s\n", self.key, event.Seq, err)
			self.stateLock.Unlock()
			return
		}
		self.confirmed = resetValue
		self.confirmedSeq = event.Seq
		// the one point where speculative drift is collapsed to a snapshot
		self.optimistic = CopyJson(self.confirmed)
		glog.V(2).Infof("[sync]%s reset seq=%d\n", self.key, event.Seq)
	case payload.Apply != nil:
		var action A
		if err := json.Unmarshal(*payload.Apply, &action); err != nil {
			glog.Infof("[sync]%s bad apply seq=%d = %s\n", self.key, event.Seq, err)
			self.stateLock.Unlock()
			return
		}
		self.confirmed = self.reducer(self.confirmed, action)
		self.confirmedSeq = event.Seq
		// no pending-action queue is tracked, so converge by collapsing
		// the optimistic projection to the confirmed one
		self.optimistic = CopyJson(self.confirmed)
		glog.V(2).Infof("[sync]%s apply seq=%d\n", self.key, event.Seq)
	default:
		// not an apply or reset shape. non-fatal, self-healing once a
		// recognizable event arrives. does not advance the sequence number.
		glog.Infof("[sync]%s unrecognized payload seq=%d\n", self.key, event.Seq)
		self.stateLock.Unlock()
		return
	}

	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

func (self *ReducerSync[T, A]) receiveSize(size int) {
	self.stateLock.Lock()

	if size <= self.settings.SizeThreshold {
		self.stateLock.Unlock()
		return
	}
	if self.confirmedSeq == 0 {
		// nothing confirmed yet. a compaction here would snapshot the
		// initial value over a log this client has not folded.
		self.stateLock.Unlock()
		return
	}

	resetJson, err := json.Marshal(self.confirmed)
	if err != nil {
		glog.Infof("[sync]%s compact encode error = %s\n", self.key, err)
		self.stateLock.Unlock()
		return
	}
	push := NewCompactPush(self.key, self.confirmedSeq, resetJson)
	glog.V(1).Infof("[sync]%s compact seq=%d size=%d\n", self.key, self.confirmedSeq, size)
	self.bus.Submit(push)
	self.stateLock.Unlock()
}
