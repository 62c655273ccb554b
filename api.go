package driftdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// http bootstrap against the store's management endpoint.
// acquires a room and its socket/debug urls before any
// synchronizer is created.
type RoomApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
}

func NewRoomApi(apiUrl string) *RoomApi {
	return NewRoomApiWithContext(context.Background(), apiUrl)
}

func NewRoomApiWithContext(ctx context.Context, apiUrl string) *RoomApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &RoomApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

type RoomCallback = apiCallback[*RoomResult]

type RoomResult struct {
	Room      string `json:"room"`
	SocketUrl string `json:"socket_url"`
	HttpUrl   string `json:"http_url"`
	DebugUrl  string `json:"debug_url,omitempty"`
}

func (self *RoomApi) NewRoom(callback RoomCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/new", self.apiUrl),
		nil,
		&RoomResult{},
		callback,
	)
}

func (self *RoomApi) GetRoom(room string, callback RoomCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/room/%s", self.apiUrl, room),
		&RoomResult{},
		callback,
	)
}

func (self *RoomApi) NewRoomSync() (*RoomResult, error) {
	callback, c := NewBlockingApiCallback[*RoomResult]()
	self.NewRoom(callback)
	r := <-c
	return r.Result, r.Error
}

func (self *RoomApi) GetRoomSync(room string) (*RoomResult, error) {
	callback, c := NewBlockingApiCallback[*RoomResult]()
	self.GetRoom(room, callback)
	r := <-c
	return r.Result, r.Error
}

// opens a connection to a bootstrapped room
func (self *RoomApi) Connect(ctx context.Context, result *RoomResult) *DbConnection {
	return NewDbConnection(ctx, result.SocketUrl, result.DebugUrl, DefaultDbConnectionSettings())
}

func (self *RoomApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
