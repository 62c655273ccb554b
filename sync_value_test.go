package driftdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestValueWrite(t *testing.T) {
	bus := newManualBus()
	key := ParseKey("room/title")
	valueSync := NewValueSync(bus, key, "untitled")
	defer valueSync.Close()

	assert.Equal(t, valueSync.Read(), "untitled")

	// the write is visible immediately and submits one replace
	valueSync.Write("hello")
	assert.Equal(t, valueSync.Read(), "hello")

	submitted := bus.Submitted()
	assert.Equal(t, len(submitted), 1)
	assert.Equal(t, submitted[0].Type, MessageTypePush)
	assert.Equal(t, submitted[0].Action.Type, ActionTypeReplace)
	assert.Equal(t, submitted[0].Key, key)
	assert.Equal(t, string(submitted[0].Value), `"hello"`)
}

func TestValueLastDeliveryWins(t *testing.T) {
	bus := newManualBus()
	key := ParseKey("room/title")
	valueSync := NewValueSync(bus, key, "untitled")
	defer valueSync.Close()

	bus.deliver(key, SequenceEvent{Seq: 5, Value: json.RawMessage(`"five"`)})
	assert.Equal(t, valueSync.Read(), "five")

	// no ordering protection. an event with a lower sequence number
	// still overwrites.
	bus.deliver(key, SequenceEvent{Seq: 1, Value: json.RawMessage(`"one"`)})
	assert.Equal(t, valueSync.Read(), "one")

	// a local write also just overwrites
	valueSync.Write("local")
	assert.Equal(t, valueSync.Read(), "local")

	bus.deliver(key, SequenceEvent{Seq: 2, Value: json.RawMessage(`"two"`)})
	assert.Equal(t, valueSync.Read(), "two")
}

func TestValueUnrecognizedPayload(t *testing.T) {
	bus := newManualBus()
	key := ParseKey("room/title")
	valueSync := NewValueSync(bus, key, "untitled")
	defer valueSync.Close()

	bus.deliver(key, SequenceEvent{Seq: 1, Value: json.RawMessage(`not json`)})
	assert.Equal(t, valueSync.Read(), "untitled")
}

func TestValueCopySemantics(t *testing.T) {
	type title struct {
		Text string `json:"text"`
	}

	bus := newManualBus()
	key := ParseKey("room/title")
	valueSync := NewValueSync(bus, key, &title{Text: "a"})
	defer valueSync.Close()

	written := &title{Text: "b"}
	valueSync.Write(written)
	// mutating the caller's value after the write does not leak in
	written.Text = "mutated"
	assert.Equal(t, valueSync.Read().Text, "b")
}

func TestValueClose(t *testing.T) {
	bus := newManualBus()
	key := ParseKey("room/title")
	valueSync := NewValueSync(bus, key, "untitled")

	valueSync.Close()

	bus.deliver(key, SequenceEvent{Seq: 1, Value: json.RawMessage(`"late"`)})
	assert.Equal(t, valueSync.Read(), "untitled")

	func() {
		defer func() {
			assert.NotEqual(t, recover(), nil)
		}()
		valueSync.Write("closed")
	}()
}

func TestValueLoopbackConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewLoopbackBus(ctx)
	defer bus.Close()
	key := ParseKey("room/title")

	a := NewValueSync(bus, key, "untitled")
	defer a.Close()
	b := NewValueSync(bus, key, "untitled")
	defer b.Close()

	a.Write("from a")
	waitFor(t, 5*time.Second, func() bool {
		return b.Read() == "from a"
	})

	b.Write("from b")
	waitFor(t, 5*time.Second, func() bool {
		return a.Read() == "from b" && b.Read() == "from b"
	})

	// replace truncates the log to one entry
	assert.Equal(t, len(bus.Log(key)), 1)
}
