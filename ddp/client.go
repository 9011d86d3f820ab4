package ddp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// highest preferred first
var SupportedDdpVersions = []string{"1", "pre2", "pre1"}

const DefaultPath = "websocket"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// waiting on the reconnect timer
	StateReconnecting
	// version negotiation failed. Terminal until `Connect` is called again.
	StateFailed
)

func (self State) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// the server acknowledged logical connection. Replaced on each successful connect.
type Session struct {
	DdpVersion string
	SessionId  string
}

type ConnectedFunction func(reconnected bool)
type FailedFunction func(err error, reconnecting bool)
type ConnectFunction func(reconnected bool, err error)
type SocketErrorFunction func(err error)
type SocketCloseFunction func(code int, reason string)
type MessageFunction func(message []byte)

type ClientSettings struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"`
	Secure bool   `yaml:"secure"`
	// when set, overrides host, port, path, and secure
	Url string `yaml:"url"`

	AutoReconnect        bool          `yaml:"auto_reconnect"`
	AutoReconnectTimeout time.Duration `yaml:"auto_reconnect_timeout"`
	MaintainCollections  bool          `yaml:"maintain_collections"`
	DdpVersion           string        `yaml:"ddp_version"`

	WebSocketSettings *WebSocketSettings `yaml:"websocket"`

	// defaults to the websocket transport with `WebSocketSettings`
	TransportFactory TransportFactory `yaml:"-"`
	// defaults to EJSON
	Codec             Codec                 `yaml:"-"`
	MetricsRegisterer prometheus.Registerer `yaml:"-"`
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Host:                 "localhost",
		Port:                 3000,
		AutoReconnect:        true,
		AutoReconnectTimeout: 500 * time.Millisecond,
		MaintainCollections:  true,
		DdpVersion:           SupportedDdpVersions[0],
		WebSocketSettings:    DefaultWebSocketSettings(),
	}
}

func (self *ClientSettings) WsUrl() string {
	if self.Url != "" {
		return self.Url
	}
	path := self.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	scheme := "ws"
	if self.Secure || self.Port == 443 {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(self.Host, strconv.Itoa(self.Port)), path)
}

// one transport lifetime
type socket struct {
	connectionId ulid.ULID
	transport    Transport
	// a session was established on this socket
	connected bool
	log       LogFunction
}

// an encoded request held until the session is established
type outboxEntry struct {
	msg     string
	message []byte
}

// A DDP client.
// The connection manager, correlator, and replica share `stateLock`, they are one state machine.
// User callbacks never run under the lock. They are collected while dispatching
// and run in order once the lock is released, so they may call back into the client.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings         *ClientSettings
	codec            Codec
	transportFactory TransportFactory
	metrics          *clientMetrics

	stateLock           sync.Mutex
	state               State
	ddpVersion          string
	session             Session
	autoReconnect       bool
	closing             bool
	reconnecting        bool
	socket              *socket
	reconnectTimer      *time.Timer
	reconnectGeneration uint64
	correlator          *correlator
	outbox              []outboxEntry
	// listeners added by `Connect`, removed on `Close`
	connectRemovers []func()

	observers *observerRegistry
	replica   *Replica

	connectedCallbacks   *CallbackList[ConnectedFunction]
	failedCallbacks      *CallbackList[FailedFunction]
	socketErrorCallbacks *CallbackList[SocketErrorFunction]
	socketCloseCallbacks *CallbackList[SocketCloseFunction]
	messageCallbacks     *CallbackList[MessageFunction]
}

func NewClientWithDefaults(ctx context.Context) *Client {
	return NewClient(ctx, DefaultClientSettings())
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	codec := settings.Codec
	if codec == nil {
		codec = DefaultCodec()
	}
	transportFactory := settings.TransportFactory
	if transportFactory == nil {
		webSocketSettings := settings.WebSocketSettings
		if webSocketSettings == nil {
			webSocketSettings = DefaultWebSocketSettings()
		}
		transportFactory = NewWebSocketTransportFactory(webSocketSettings)
	}
	ddpVersion := settings.DdpVersion
	if ddpVersion == "" {
		ddpVersion = SupportedDdpVersions[0]
	}

	observers := newObserverRegistry()
	return &Client{
		ctx:                  cancelCtx,
		cancel:               cancel,
		settings:             settings,
		codec:                codec,
		transportFactory:     transportFactory,
		metrics:              newClientMetrics(settings.MetricsRegisterer),
		state:                StateDisconnected,
		ddpVersion:           ddpVersion,
		autoReconnect:        settings.AutoReconnect,
		correlator:           newCorrelator(),
		observers:            observers,
		replica:              newReplica(observers),
		connectedCallbacks:   NewCallbackList[ConnectedFunction](),
		failedCallbacks:      NewCallbackList[FailedFunction](),
		socketErrorCallbacks: NewCallbackList[SocketErrorFunction](),
		socketCloseCallbacks: NewCallbackList[SocketCloseFunction](),
		messageCallbacks:     NewCallbackList[MessageFunction](),
	}
}

func (self *Client) State() State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the zero session until the first `connected`
func (self *Client) Session() Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session
}

func (self *Client) DdpVersion() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ddpVersion
}

func (self *Client) Replica() *Replica {
	return self.replica
}

// custom EJSON types are added on the codec
func (self *Client) Codec() Codec {
	return self.codec
}

func (self *Client) Url() string {
	return self.settings.WsUrl()
}

// fires on every established session, including reconnects
func (self *Client) AddConnectedCallback(connectedCallback ConnectedFunction) func() {
	return self.connectedCallbacks.Add(connectedCallback)
}

// fires on a transport error while connecting, and once on a fatal negotiation failure
func (self *Client) AddFailedCallback(failedCallback FailedFunction) func() {
	return self.failedCallbacks.Add(failedCallback)
}

func (self *Client) AddSocketErrorCallback(socketErrorCallback SocketErrorFunction) func() {
	return self.socketErrorCallbacks.Add(socketErrorCallback)
}

func (self *Client) AddSocketCloseCallback(socketCloseCallback SocketCloseFunction) func() {
	return self.socketCloseCallbacks.Add(socketCloseCallback)
}

// raw inbound frames, after they have been dispatched
func (self *Client) AddMessageCallback(messageCallback MessageFunction) func() {
	return self.messageCallbacks.Add(messageCallback)
}

// Opens the socket and negotiates a session.
// `connectCallback` is called on every established session (with `reconnected`)
// and on every failure, until `Close`.
func (self *Client) Connect(connectCallback ConnectFunction) {
	if connectCallback != nil {
		removeConnected := self.connectedCallbacks.Add(func(reconnected bool) {
			connectCallback(reconnected, nil)
		})
		removeFailed := self.failedCallbacks.Add(func(err error, reconnecting bool) {
			connectCallback(reconnecting, err)
		})
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.connectRemovers = append(self.connectRemovers, removeConnected, removeFailed)
		}()
	}

	var callbacks callbackQueue
	var next Transport
	var prev Transport
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.closing = false
		self.autoReconnect = self.settings.AutoReconnect
		self.reconnecting = false
		self.stopReconnectTimerLocked()
		next, prev = self.openSocketLocked(&callbacks)
	}()

	if prev != nil {
		prev.Close()
	}
	callbacks.run()
	next.Open()
}

// Caller initiated close. No failure is reported for the resulting socket close,
// and no reconnect is scheduled.
func (self *Client) Close() {
	var callbacks callbackQueue
	var transport Transport
	var connectRemovers []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.closing = true
		self.stopReconnectTimerLocked()
		self.state = StateDisconnected
		connectRemovers = self.connectRemovers
		self.connectRemovers = nil

		if self.socket != nil {
			// pending requests are failed when the transport reports the close
			transport = self.socket.transport
		} else {
			// requests made while waiting to reconnect
			self.disconnectLocked(&callbacks)
		}
	}()

	for _, connectRemover := range connectRemovers {
		connectRemover()
	}
	if transport != nil {
		transport.Close()
	}
	callbacks.run()
}

// closes the client permanently
func (self *Client) Cancel() {
	self.Close()
	self.cancel()
}

// Invokes a method. Returns the call id immediately.
// `resultCallback` fires once with the result or error.
// `updatedCallback` fires once when the server has finished all side effects of the call.
func (self *Client) Call(
	method string,
	params []any,
	resultCallback ResultFunction,
	updatedCallback UpdatedFunction,
) string {
	return self.call(method, params, nil, resultCallback, updatedCallback)
}

// `Call` with an explicit seed the server uses to generate ids deterministically
func (self *Client) CallWithRandomSeed(
	method string,
	params []any,
	randomSeed any,
	resultCallback ResultFunction,
	updatedCallback UpdatedFunction,
) string {
	return self.call(method, params, randomSeed, resultCallback, updatedCallback)
}

func (self *Client) call(
	method string,
	params []any,
	randomSeed any,
	resultCallback ResultFunction,
	updatedCallback UpdatedFunction,
) string {
	var failCallbacks callbackQueue
	callId := func() string {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callId := self.correlator.nextId()
		self.correlator.addCall(callId, resultCallback, updatedCallback)
		self.sendRequestLocked(callId, methodEnvelope(callId, method, params, randomSeed), &failCallbacks)
		self.metrics.updatePending(self.correlator)
		return callId
	}()
	if 0 < len(failCallbacks) {
		go failCallbacks.run()
	}
	return callId
}

// Opens a subscription. Returns the subscription id immediately.
// `readyCallback` fires once, with nil on `ready` or an error on `nosub`.
func (self *Client) Subscribe(name string, params []any, readyCallback ReadyFunction) string {
	var failCallbacks callbackQueue
	subscriptionId := func() string {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		subscriptionId := self.correlator.nextId()
		self.correlator.addSubscription(subscriptionId, name, params, readyCallback)
		self.sendRequestLocked(subscriptionId, subEnvelope(subscriptionId, name, params), &failCallbacks)
		self.metrics.updatePending(self.correlator)
		return subscriptionId
	}()
	if 0 < len(failCallbacks) {
		go failCallbacks.run()
	}
	return subscriptionId
}

// Sends `unsub`. A still registered ready callback stays registered until
// the server answers with `nosub`, or the socket is lost.
func (self *Client) Unsubscribe(subscriptionId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sendRequestLocked("", unsubEnvelope(subscriptionId), nil)
}

// Registers an observer for deltas of one collection.
// Nil callbacks are no-ops. Callbacks can be replaced later on the observer.
func (self *Client) Observe(
	collectionName string,
	added AddedFunction,
	changed ChangedFunction,
	removed RemovedFunction,
) *Observer {
	observerId := func() string {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.correlator.nextId()
	}()

	observer := newObserver(self.observers, collectionName, observerId, added, changed, removed)
	self.observers.add(observer)
	return observer
}

// replaces the current socket with a new, not yet opened one.
// The caller closes `prev` and opens `next` after releasing the lock.
func (self *Client) openSocketLocked(callbacks *callbackQueue) (next Transport, prev Transport) {
	if self.socket != nil {
		prev = self.socket.transport
		if self.socket.connected {
			// the session on the replaced socket is lost
			self.disconnectLocked(callbacks)
		}
	}

	connectionId := ulid.Make()
	socket := &socket{
		connectionId: connectionId,
		log:          LogFn(LogLevelDebug, fmt.Sprintf("[c]%s", connectionId)),
	}
	url := self.settings.WsUrl()
	events := &TransportEvents{
		OnOpen: func() {
			self.onOpen(socket)
		},
		OnMessage: func(message []byte) {
			self.onMessage(socket, message)
		},
		OnError: func(err error) {
			self.onError(socket, err)
		},
		OnClose: func(code int, reason string) {
			self.onClose(socket, code, reason)
		},
	}
	socket.transport = self.transportFactory(self.ctx, url, events)
	socket.log("open %s (version %s)", url, self.ddpVersion)

	self.socket = socket
	self.state = StateConnecting
	next = socket.transport
	return
}

func (self *Client) onOpen(socket *socket) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.socket != socket {
		return
	}
	socket.log("transport open")
	self.sendLocked(connectEnvelope(self.ddpVersion, SupportedDdpVersions))
}

func (self *Client) onMessage(socket *socket, message []byte) {
	var callbacks callbackQueue
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.socket != socket {
			return
		}
		envelope, err := DecodeEnvelope(self.codec, message)
		if err != nil {
			glog.Infof("[c]%s decode error = %s\n", socket.connectionId, err)
			return
		}
		self.dispatchLocked(socket, envelope, &callbacks)
		self.metrics.updatePending(self.correlator)

		for _, messageCallback := range self.messageCallbacks.Get() {
			callbacks.add(func() {
				messageCallback(message)
			})
		}
	}()
	callbacks.run()
}

func (self *Client) onError(socket *socket, err error) {
	var callbacks callbackQueue
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.socket != socket {
			return
		}
		glog.Infof("[c]%s socket error = %s\n", socket.connectionId, err)
		if self.state == StateConnecting && !self.closing {
			reconnecting := self.reconnecting
			for _, failedCallback := range self.failedCallbacks.Get() {
				callbacks.add(func() {
					failedCallback(err, reconnecting)
				})
			}
		}
		for _, socketErrorCallback := range self.socketErrorCallbacks.Get() {
			callbacks.add(func() {
				socketErrorCallback(err)
			})
		}
	}()
	callbacks.run()
}

func (self *Client) onClose(socket *socket, code int, reason string) {
	var callbacks callbackQueue
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.socket != socket {
			return
		}
		self.socket = nil
		socket.log("transport close %d %s", code, reason)
		self.metrics.disconnects.Inc()

		for _, socketCloseCallback := range self.socketCloseCallbacks.Get() {
			callbacks.add(func() {
				socketCloseCallback(code, reason)
			})
		}

		// pending requests fail before the reconnect is armed
		self.disconnectLocked(&callbacks)

		if self.autoReconnect && self.state != StateFailed && !self.closing {
			self.state = StateReconnecting
			self.reconnecting = true
			self.startReconnectTimerLocked()
			glog.Infof("[c]%s closed (%d), reconnect in %s\n", socket.connectionId, code, self.settings.AutoReconnectTimeout)
		} else if self.state != StateFailed {
			self.state = StateDisconnected
		}
	}()
	callbacks.run()
}

// fails every pending request and drops unsent requests
func (self *Client) disconnectLocked(callbacks *callbackQueue) {
	self.correlator.disconnect(callbacks)
	self.outbox = nil
	self.metrics.updatePending(self.correlator)
}

func (self *Client) startReconnectTimerLocked() {
	self.stopReconnectTimerLocked()
	reconnectGeneration := self.reconnectGeneration
	self.reconnectTimer = time.AfterFunc(self.settings.AutoReconnectTimeout, func() {
		self.reconnect(reconnectGeneration)
	})
}

func (self *Client) stopReconnectTimerLocked() {
	// a timer that already fired sees a newer generation and does nothing
	self.reconnectGeneration += 1
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *Client) reconnect(reconnectGeneration uint64) {
	var callbacks callbackQueue
	var next Transport
	var prev Transport
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if reconnectGeneration != self.reconnectGeneration {
			return false
		}
		if self.state != StateReconnecting || self.closing {
			return false
		}
		self.reconnectTimer = nil
		next, prev = self.openSocketLocked(&callbacks)
		return true
	}()
	if !ok {
		return
	}

	if prev != nil {
		prev.Close()
	}
	callbacks.run()
	next.Open()
}

// requests are sent when a session exists, held in the outbox while connecting,
// and failed with a `*DisconnectError` when the client is not connecting at all.
// `id` is empty for requests that have no pending state.
func (self *Client) sendRequestLocked(id string, envelope Envelope, failCallbacks *callbackQueue) {
	switch self.state {
	case StateDisconnected, StateFailed:
		if id != "" {
			self.correlator.fail(id, &DisconnectError{}, failCallbacks)
		}
		return
	}

	message, err := self.codec.Encode(envelope)
	if err != nil {
		glog.Infof("[c]encode %s error = %s\n", envelope.Msg(), err)
		if id != "" {
			self.correlator.fail(id, err, failCallbacks)
		}
		return
	}

	if self.state == StateConnected && self.socket != nil {
		self.writeLocked(envelope.Msg(), message)
	} else {
		self.outbox = append(self.outbox, outboxEntry{
			msg:     envelope.Msg(),
			message: message,
		})
	}
}

func (self *Client) flushOutboxLocked() {
	outbox := self.outbox
	self.outbox = nil
	for _, entry := range outbox {
		self.writeLocked(entry.msg, entry.message)
	}
}

// protocol envelopes that bypass the outbox (connect, pong)
func (self *Client) sendLocked(envelope Envelope) {
	if self.socket == nil {
		return
	}
	message, err := self.codec.Encode(envelope)
	if err != nil {
		glog.Infof("[c]encode %s error = %s\n", envelope.Msg(), err)
		return
	}
	self.writeLocked(envelope.Msg(), message)
}

func (self *Client) writeLocked(msg string, message []byte) {
	self.metrics.messagesSent.WithLabelValues(msg).Inc()
	self.socket.log("-> %s", msg)
	if err := self.socket.transport.Send(message); err != nil {
		// the request stays pending and is failed when the transport reports the close
		glog.Infof("[c]%s send %s error = %s\n", self.socket.connectionId, msg, err)
	}
}
