package driftdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testConnSettings() *DbConnectionSettings {
	return &DbConnectionSettings{
		WsHandshakeTimeout: 1 * time.Second,
		ReconnectTimeout:   100 * time.Millisecond,
		PingTimeout:        200 * time.Millisecond,
		WriteTimeout:       1 * time.Second,
		ReadTimeout:        5 * time.Second,
	}
}

// minimal store: assigns sequence numbers, keeps per-key logs, applies
// compactions, replays the log on connect, and fans events out to
// every connection
type fakeStore struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	lastSeq map[string]SequenceNumber
	logs    map[string][]SequenceEvent
	conns   []*fakeStoreConn
}

type fakeStoreConn struct {
	writeMutex sync.Mutex
	ws         *websocket.Conn
}

func (self *fakeStoreConn) write(message *StoreMessage) {
	messageJson, err := json.Marshal(message)
	if err != nil {
		panic(err)
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.WriteMessage(websocket.TextMessage, messageJson)
}

func (self *fakeStoreConn) ping() {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
}

func newFakeStore() *fakeStore {
	store := &fakeStore{
		lastSeq: map[string]SequenceNumber{},
		logs:    map[string][]SequenceEvent{},
	}
	store.server = httptest.NewServer(http.HandlerFunc(store.handle))
	return store
}

func (self *fakeStore) socketUrl() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *fakeStore) close() {
	self.closeConns()
	self.server.Close()
}

func (self *fakeStore) closeConns() {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeStoreConn{
		ws: ws,
	}

	self.mutex.Lock()
	self.conns = append(self.conns, conn)
	// replay every key's log to the new connection
	for keyStr, events := range self.logs {
		key := ParseKey(keyStr)
		for _, event := range events {
			conn.write(&StoreMessage{
				Type:  MessageTypeEvent,
				Key:   key,
				Seq:   event.Seq,
				Value: event.Value,
			})
		}
		conn.write(&StoreMessage{
			Type: MessageTypeSize,
			Key:  key,
			Size: len(events),
		})
	}
	self.mutex.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		// keep the client's read side alive
		for {
			select {
			case <-done:
				return
			case <-time.After(500 * time.Millisecond):
				conn.ping()
			}
		}
	}()

	for {
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(messageBytes) == 0 {
			// ping
			continue
		}
		push := &PushMessage{}
		if err := json.Unmarshal(messageBytes, push); err != nil {
			continue
		}
		self.apply(push)
	}
}

func (self *fakeStore) apply(push *PushMessage) {
	self.mutex.Lock()

	keyStr := push.Key.String()
	var event SequenceEvent
	switch push.Action.Type {
	case ActionTypeReplace:
		self.lastSeq[keyStr] += 1
		event = SequenceEvent{Seq: self.lastSeq[keyStr], Value: push.Value}
		self.logs[keyStr] = []SequenceEvent{event}
	case ActionTypeAppend:
		self.lastSeq[keyStr] += 1
		event = SequenceEvent{Seq: self.lastSeq[keyStr], Value: push.Value}
		self.logs[keyStr] = append(self.logs[keyStr], event)
	case ActionTypeCompact:
		event = SequenceEvent{Seq: push.Action.Seq, Value: push.Value}
		kept := []SequenceEvent{event}
		for _, existing := range self.logs[keyStr] {
			if push.Action.Seq < existing.Seq {
				kept = append(kept, existing)
			}
		}
		self.logs[keyStr] = kept
		if self.lastSeq[keyStr] < push.Action.Seq {
			self.lastSeq[keyStr] = push.Action.Seq
		}
	default:
		self.mutex.Unlock()
		return
	}
	size := len(self.logs[keyStr])
	conns := append([]*fakeStoreConn{}, self.conns...)
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.write(&StoreMessage{
			Type:  MessageTypeEvent,
			Key:   push.Key,
			Seq:   event.Seq,
			Value: event.Value,
		})
		conn.write(&StoreMessage{
			Type: MessageTypeSize,
			Key:  push.Key,
			Size: size,
		})
	}
}

func TestConnSubmitEcho(t *testing.T) {
	store := newFakeStore()
	defer store.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := NewDbConnection(ctx, store.socketUrl(), "", testConnSettings())
	defer conn.Close()

	waitFor(t, 5*time.Second, func() bool {
		return conn.IsConnected()
	})

	key := ParseKey("room/counter")
	counterSync := NewReducerSyncWithDefaults[counterState, counterAction](conn, key, counterReducer, counterState{})
	defer counterSync.Close()

	counterSync.Dispatch(increment)
	assert.Equal(t, counterSync.Value().Count, 1)

	waitFor(t, 5*time.Second, func() bool {
		return counterSync.ConfirmedSeq() == 1
	})
	assert.Equal(t, counterSync.ConfirmedValue().Count, 1)
	assert.Equal(t, counterSync.Value().Count, 1)
}

func TestConnTwoClients(t *testing.T) {
	store := newFakeStore()
	defer store.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connA := NewDbConnection(ctx, store.socketUrl(), "", testConnSettings())
	defer connA.Close()
	connB := NewDbConnection(ctx, store.socketUrl(), "", testConnSettings())
	defer connB.Close()

	waitFor(t, 5*time.Second, func() bool {
		return connA.IsConnected() && connB.IsConnected()
	})

	key := ParseKey("room/counter")
	a := NewReducerSyncWithDefaults[counterState, counterAction](connA, key, counterReducer, counterState{})
	defer a.Close()
	b := NewReducerSyncWithDefaults[counterState, counterAction](connB, key, counterReducer, counterState{})
	defer b.Close()

	a.Dispatch(increment)
	waitFor(t, 5*time.Second, func() bool {
		return a.ConfirmedSeq() == 1 && b.ConfirmedSeq() == 1
	})
	assert.Equal(t, a.Value().Count, 1)
	assert.Equal(t, b.Value().Count, 1)
}

func TestConnReconnectReplay(t *testing.T) {
	store := newFakeStore()
	defer store.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := NewDbConnection(ctx, store.socketUrl(), "", testConnSettings())
	defer conn.Close()

	waitFor(t, 5*time.Second, func() bool {
		return conn.IsConnected()
	})

	key := ParseKey("room/counter")
	counterSync := NewReducerSyncWithDefaults[counterState, counterAction](conn, key, counterReducer, counterState{})
	defer counterSync.Close()

	counterSync.Dispatch(increment)
	waitFor(t, 5*time.Second, func() bool {
		return counterSync.ConfirmedSeq() == 1
	})

	// drop the transport. the client reconnects, the store replays the
	// log, and the sequence gate discards what was already folded.
	store.closeConns()
	waitFor(t, 5*time.Second, func() bool {
		return conn.IsConnected()
	})

	assert.Equal(t, counterSync.ConfirmedSeq(), SequenceNumber(1))
	assert.Equal(t, counterSync.Value().Count, 1)

	counterSync.Dispatch(increment)
	waitFor(t, 5*time.Second, func() bool {
		return counterSync.ConfirmedSeq() == 2
	})
	assert.Equal(t, counterSync.Value().Count, 2)
}

func TestConnStatusCallback(t *testing.T) {
	store := newFakeStore()
	defer store.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := NewDbConnection(ctx, store.socketUrl(), "https://example.com/debug", testConnSettings())
	defer conn.Close()

	statusMutex := sync.Mutex{}
	statuses := []ConnectionStatus{}
	remove := conn.AddStatusCallback(func(status ConnectionStatus) {
		statusMutex.Lock()
		defer statusMutex.Unlock()
		statuses = append(statuses, status)
	})
	defer remove()

	waitFor(t, 5*time.Second, func() bool {
		statusMutex.Lock()
		defer statusMutex.Unlock()
		return 0 < len(statuses) && statuses[len(statuses)-1].Connected
	})

	statusMutex.Lock()
	assert.Equal(t, statuses[len(statuses)-1].DebugUrl, "https://example.com/debug")
	statusMutex.Unlock()
}

func TestConnSubmitDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing listens here
	conn := NewDbConnection(ctx, "ws://127.0.0.1:1", "", testConnSettings())
	defer conn.Close()

	assert.Equal(t, conn.IsConnected(), false)

	// dropped silently at the collaborator boundary
	conn.Submit(NewAppendPush(ParseKey("room/counter"), []byte(`{"type":"increment"}`)))
	assert.Equal(t, conn.IsConnected(), false)
}
