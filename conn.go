package driftdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

const ConnSendBufferSize = 32

type DbConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultDbConnectionSettings() *DbConnectionSettings {
	return &DbConnectionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type connSubscriber struct {
	eventCallback EventCallback
	sizeCallback  SizeCallback
}

/*
Store-backed `EventBus` over a websocket.

One reader goroutine per connection parses inbound messages and hands
them to the subscribers of the message's key, in arrival order. The
store delivers each key's events in sequence order, so subscribers see
them in sequence order too.

Submissions while disconnected are dropped. The synchronizers stay
locally correct; after a reconnect the store replays the log and the
sequence gate discards everything already folded. There is no
client-side retry.
*/
type DbConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId  Id
	socketUrl string
	debugUrl  string

	settings *DbConnectionSettings

	send chan []byte

	stateLock   sync.Mutex
	connected   bool
	subscribers map[string]map[int]*connSubscriber
	nextSubId   int

	statusCallbacks *callbackList[StatusCallback]
}

func NewDbConnectionWithDefaults(ctx context.Context, socketUrl string) *DbConnection {
	return NewDbConnection(ctx, socketUrl, "", DefaultDbConnectionSettings())
}

func NewDbConnection(
	ctx context.Context,
	socketUrl string,
	debugUrl string,
	settings *DbConnectionSettings,
) *DbConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &DbConnection{
		ctx:             cancelCtx,
		cancel:          cancel,
		clientId:        NewId(),
		socketUrl:       socketUrl,
		debugUrl:        debugUrl,
		settings:        settings,
		send:            make(chan []byte, ConnSendBufferSize),
		subscribers:     map[string]map[int]*connSubscriber{},
		statusCallbacks: newCallbackList[StatusCallback](),
	}
	go conn.run()
	return conn
}

func (self *DbConnection) ClientId() Id {
	return self.clientId
}

// registers `callback` and immediately emits the current status to it
func (self *DbConnection) AddStatusCallback(callback StatusCallback) func() {
	callbackId := self.statusCallbacks.add(callback)

	self.stateLock.Lock()
	status := self.status()
	self.stateLock.Unlock()
	HandleError(func() {
		callback(status)
	})

	return func() {
		self.statusCallbacks.remove(callbackId)
	}
}

func (self *DbConnection) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// EventBus

func (self *DbConnection) Subscribe(key Key, eventCallback EventCallback, sizeCallback SizeCallback) *Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keyStr := key.String()
	keySubscribers, ok := self.subscribers[keyStr]
	if !ok {
		keySubscribers = map[int]*connSubscriber{}
		self.subscribers[keyStr] = keySubscribers
	}
	subId := self.nextSubId
	self.nextSubId += 1
	keySubscribers[subId] = &connSubscriber{
		eventCallback: eventCallback,
		sizeCallback:  sizeCallback,
	}

	return newSubscription(key, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if keySubscribers, ok := self.subscribers[keyStr]; ok {
			delete(keySubscribers, subId)
			if len(keySubscribers) == 0 {
				delete(self.subscribers, keyStr)
			}
		}
	})
}

func (self *DbConnection) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.end()
}

// fire and forget. dropped silently when there is no live connection
// or the send queue is full.
func (self *DbConnection) Submit(message *PushMessage) {
	messageJson, err := json.Marshal(message)
	if err != nil {
		panic(fmt.Errorf("driftdb: message is not json-encodable: %w", err))
	}

	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()

	if !connected {
		glog.V(1).Infof("[conn]%s drop submit (not connected)\n", self.clientId)
		return
	}

	select {
	case self.send <- messageJson:
		glog.V(2).Infof("[conn]%s-> %s\n", self.clientId, message.Key)
	default:
		glog.Infof("[conn]%s drop submit (send buffer full)\n", self.clientId)
	}
}

func (self *DbConnection) Close() {
	self.cancel()
}

func (self *DbConnection) status() ConnectionStatus {
	status := ConnectionStatus{
		Connected: self.connected,
	}
	if self.connected {
		status.DebugUrl = self.debugUrl
	}
	return status
}

func (self *DbConnection) setConnected(connected bool) {
	self.stateLock.Lock()
	self.connected = connected
	status := self.status()
	self.stateLock.Unlock()

	for _, callback := range self.statusCallbacks.get() {
		func(callback StatusCallback) {
			HandleError(func() {
				callback(status)
			})
		}(callback)
	}
}

func (self *DbConnection) run() {
	defer self.cancel()
	defer self.setConnected(false)

	connectUrl, err := url.Parse(self.socketUrl)
	if err != nil {
		glog.Errorf("[conn]bad socket url %s = %s\n", self.socketUrl, err)
		return
	}
	query := connectUrl.Query()
	query.Set("client", self.clientId.String())
	connectUrl.RawQuery = query.Encode()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, connectUrl.String(), nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		var ws *websocket.Conn
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[conn]connect %s", self.clientId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[conn]%s connect error = %s\n", self.clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.setConnected(true)
			defer self.setConnected(false)

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[conn]%s-> error = %s\n", self.clientId, err)
							return
						}
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, messageBytes, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[conn]%s<- error = %s\n", self.clientId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if 0 == len(messageBytes) {
							// ping
							glog.V(2).Infof("[conn]ping %s<-\n", self.clientId)
							continue
						}
						self.receive(messageBytes)
					default:
						glog.V(2).Infof("[conn]other=%d %s<-\n", messageType, self.clientId)
					}
				}
			}()
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// called from the single reader goroutine. per-key delivery order is
// the socket arrival order.
func (self *DbConnection) receive(messageBytes []byte) {
	message, err := ParseStoreMessage(messageBytes)
	if err != nil {
		glog.Infof("[conn]%s<- unrecognized message = %s\n", self.clientId, err)
		return
	}

	switch message.Type {
	case MessageTypeEvent:
		glog.V(2).Infof("[conn]%s<- %s seq=%d\n", self.clientId, message.Key, message.Seq)
		event := SequenceEvent{
			Seq:   message.Seq,
			Value: message.Value,
		}
		for _, subscriber := range self.keySubscribers(message.Key) {
			func(subscriber *connSubscriber) {
				HandleError(func() {
					subscriber.eventCallback(event)
				})
			}(subscriber)
		}
	case MessageTypeSize:
		glog.V(2).Infof("[conn]%s<- %s size=%d\n", self.clientId, message.Key, message.Size)
		for _, subscriber := range self.keySubscribers(message.Key) {
			if subscriber.sizeCallback == nil {
				continue
			}
			func(subscriber *connSubscriber) {
				HandleError(func() {
					subscriber.sizeCallback(message.Size)
				})
			}(subscriber)
		}
	case MessageTypeError:
		glog.Infof("[conn]%s<- store error = %s\n", self.clientId, message.Message)
	}
}

// snapshot in registration order
func (self *DbConnection) keySubscribers(key Key) []*connSubscriber {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keySubscribers, ok := self.subscribers[key.String()]
	if !ok {
		return nil
	}
	subIds := maps.Keys(keySubscribers)
	slices.Sort(subIds)
	subscribers := make([]*connSubscriber, 0, len(subIds))
	for _, subId := range subIds {
		subscribers = append(subscribers, keySubscribers[subId])
	}
	return subscribers
}
