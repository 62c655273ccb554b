package driftdb

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

/*
Shares mutable state between clients through per-key, append-only event
logs held by a remote store. Properties:
- every event in a key's log carries a store-assigned, gap-free sequence number
- local writes apply optimistically before the store confirms them
- all clients fold the confirmed log with the same reducer, so all converge
- past a size threshold the log prefix is replaced with a snapshot (compaction)

The store itself only orders and replays. All reconciliation happens here.
*/

// per-key sequence number assigned by the store. 0 means nothing confirmed yet.
type SequenceNumber = uint64

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// ulids are ordered by create time.
// ids from the same source can be ordered with this.
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(ulid.ULID(*self).String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	parsed, err := ulid.ParseStrict(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = Id(parsed)
	return nil
}

// a key addresses one shared state slot and its event log.
// keys are ordered path segments, `a/b/c` on the wire.
type Key []string

func NewKey(segments ...string) Key {
	return Key(segments)
}

func ParseKey(keyStr string) Key {
	if keyStr == "" {
		return Key{}
	}
	return Key(strings.Split(keyStr, "/"))
}

func (self Key) Segments() []string {
	return []string(self)
}

func (self Key) String() string {
	return strings.Join(self, "/")
}

func (self Key) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Key) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid key: %s", string(src))
	}
	*self = ParseKey(string(src[1 : len(src)-1]))
	return nil
}

// emitted to status callbacks on every transport transition
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	DebugUrl  string `json:"debugUrl,omitempty"`
}

type EventCallback func(event SequenceEvent)
type SizeCallback func(size int)
type StatusCallback func(status ConnectionStatus)

// the subscription contract consumed by the synchronizers.
// implementations must deliver events for one key in non-decreasing
// sequence-number order. `DbConnection` is the store-backed
// implementation, `LoopbackBus` the in-process one.
type EventBus interface {
	Subscribe(key Key, eventCallback EventCallback, sizeCallback SizeCallback) *Subscription
	// idempotent. a nil subscription is a no-op.
	Unsubscribe(sub *Subscription)
	// fire and forget. no delivery acknowledgment is surfaced.
	Submit(message *PushMessage)
}

// handle for one registered (eventCallback, sizeCallback) pair
type Subscription struct {
	key    Key
	endFn  func()
	endOne sync.Once
}

func newSubscription(key Key, endFn func()) *Subscription {
	return &Subscription{
		key:   key,
		endFn: endFn,
	}
}

func (self *Subscription) Key() Key {
	return self.key
}

func (self *Subscription) end() {
	self.endOne.Do(self.endFn)
}
