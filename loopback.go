package driftdb

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"golang.org/x/exp/maps"
)

var loopLog = LogFn(LogLevelDebug, "loop")

type loopSubscriber struct {
	eventCallback EventCallback
	sizeCallback  SizeCallback
}

type loopKeyLog struct {
	// last assigned sequence number for the key
	lastSeq SequenceNumber
	events  []SequenceEvent
}

/*
In-process `EventBus` that also plays the store: it assigns sequence
numbers, keeps each key's log, applies compactions, and replays the log
to late subscribers. Useful for offline or single-process operation and
as a harness for exercising synchronizers without a network.

Store semantics:
- Replace: assigns the next sequence number and truncates the key's log
  to the single new event.
- Append: assigns the next sequence number and appends.
- Compact at seq N: drops every event with sequence number <= N and
  inserts the snapshot at N. Subscribers already past N discard the
  echo through their sequence gate; replays start from the snapshot.

Deliveries run on one dispatch goroutine per bus, in submission order,
so per-key ordering matches sequence order.
*/
type LoopbackBus struct {
	ctx    context.Context
	cancel context.CancelFunc

	room string

	mutex       sync.Mutex
	logs        map[string]*loopKeyLog
	subscribers map[string]map[int]*loopSubscriber
	nextSubId   int

	queueMutex sync.Mutex
	queue      []func()
	queued     chan struct{}
}

func NewLoopbackBus(ctx context.Context) *LoopbackBus {
	cancelCtx, cancel := context.WithCancel(ctx)
	bus := &LoopbackBus{
		ctx:         cancelCtx,
		cancel:      cancel,
		room:        uuid.NewString(),
		logs:        map[string]*loopKeyLog{},
		subscribers: map[string]map[int]*loopSubscriber{},
		queued:      make(chan struct{}, 1),
	}
	go bus.run()
	return bus
}

func (self *LoopbackBus) Room() string {
	return self.room
}

// keys that have at least one event, sorted
func (self *LoopbackBus) Keys() []Key {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	keyStrs := maps.Keys(self.logs)
	slices.Sort(keyStrs)
	keys := make([]Key, 0, len(keyStrs))
	for _, keyStr := range keyStrs {
		keys = append(keys, ParseKey(keyStr))
	}
	return keys
}

// snapshot of a key's log
func (self *LoopbackBus) Log(key Key) []SequenceEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	log, ok := self.logs[key.String()]
	if !ok {
		return nil
	}
	return slices.Clone(log.events)
}

func (self *LoopbackBus) Close() {
	self.cancel()
}

// EventBus

func (self *LoopbackBus) Subscribe(key Key, eventCallback EventCallback, sizeCallback SizeCallback) *Subscription {
	self.mutex.Lock()

	keyStr := key.String()
	keySubscribers, ok := self.subscribers[keyStr]
	if !ok {
		keySubscribers = map[int]*loopSubscriber{}
		self.subscribers[keyStr] = keySubscribers
	}
	subId := self.nextSubId
	self.nextSubId += 1
	subscriber := &loopSubscriber{
		eventCallback: eventCallback,
		sizeCallback:  sizeCallback,
	}
	keySubscribers[subId] = subscriber

	// replay the existing log to the new subscriber only
	var replay []SequenceEvent
	size := 0
	if log, ok := self.logs[keyStr]; ok {
		replay = slices.Clone(log.events)
		size = len(log.events)
	}

	self.mutex.Unlock()

	if 0 < len(replay) {
		loopLog("replay %s n=%d", keyStr, len(replay))
		self.enqueue(func() {
			for _, event := range replay {
				event := event
				HandleError(func() {
					subscriber.eventCallback(event)
				})
			}
			if subscriber.sizeCallback != nil {
				HandleError(func() {
					subscriber.sizeCallback(size)
				})
			}
		})
	}

	return newSubscription(key, func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if keySubscribers, ok := self.subscribers[keyStr]; ok {
			delete(keySubscribers, subId)
			if len(keySubscribers) == 0 {
				delete(self.subscribers, keyStr)
			}
		}
	})
}

func (self *LoopbackBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.end()
}

func (self *LoopbackBus) Submit(message *PushMessage) {
	self.mutex.Lock()

	keyStr := message.Key.String()
	log, ok := self.logs[keyStr]
	if !ok {
		log = &loopKeyLog{}
		self.logs[keyStr] = log
	}

	var event SequenceEvent
	switch message.Action.Type {
	case ActionTypeReplace:
		log.lastSeq += 1
		event = SequenceEvent{
			Seq:   log.lastSeq,
			Value: message.Value,
		}
		log.events = []SequenceEvent{event}
	case ActionTypeAppend:
		log.lastSeq += 1
		event = SequenceEvent{
			Seq:   log.lastSeq,
			Value: message.Value,
		}
		log.events = append(log.events, event)
	case ActionTypeCompact:
		compactSeq := message.Action.Seq
		event = SequenceEvent{
			Seq:   compactSeq,
			Value: message.Value,
		}
		kept := []SequenceEvent{event}
		for _, existing := range log.events {
			if compactSeq < existing.Seq {
				kept = append(kept, existing)
			}
		}
		log.events = kept
		if log.lastSeq < compactSeq {
			log.lastSeq = compactSeq
		}
	default:
		self.mutex.Unlock()
		loopLog("drop submit %s action=%s", keyStr, message.Action.Type)
		return
	}
	size := len(log.events)

	subscribers := self.keySubscribersLocked(keyStr)
	self.mutex.Unlock()

	loopLog("%s %s seq=%d size=%d", keyStr, message.Action.Type, event.Seq, size)
	self.enqueue(func() {
		for _, subscriber := range subscribers {
			subscriber := subscriber
			HandleError(func() {
				subscriber.eventCallback(event)
			})
		}
		for _, subscriber := range subscribers {
			if subscriber.sizeCallback == nil {
				continue
			}
			subscriber := subscriber
			HandleError(func() {
				subscriber.sizeCallback(size)
			})
		}
	})
}

// callers must hold `mutex`
func (self *LoopbackBus) keySubscribersLocked(keyStr string) []*loopSubscriber {
	keySubscribers, ok := self.subscribers[keyStr]
	if !ok {
		return nil
	}
	subIds := maps.Keys(keySubscribers)
	slices.Sort(subIds)
	subscribers := make([]*loopSubscriber, 0, len(subIds))
	for _, subId := range subIds {
		subscribers = append(subscribers, keySubscribers[subId])
	}
	return subscribers
}

// deliveries run in submission order on a single goroutine. the queue
// is unbounded so a size callback can submit a compaction without
// blocking the dispatcher on its own channel.
func (self *LoopbackBus) enqueue(deliver func()) {
	self.queueMutex.Lock()
	self.queue = append(self.queue, deliver)
	self.queueMutex.Unlock()

	select {
	case self.queued <- struct{}{}:
	default:
	}
}

func (self *LoopbackBus) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.queued:
		}

		for {
			self.queueMutex.Lock()
			if len(self.queue) == 0 {
				self.queueMutex.Unlock()
				break
			}
			deliver := self.queue[0]
			self.queue = self.queue[1:]
			self.queueMutex.Unlock()

			deliver()
		}
	}
}
