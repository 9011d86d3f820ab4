package ddp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// lifecycle events of one socket.
// A transport delivers events serially from one goroutine. `OnClose` is delivered
// exactly once after `Open`, and is always the last event.
type TransportEvents struct {
	OnOpen    func()
	OnMessage func(message []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// one socket lifetime.
// `Open` and `Close` do not block. `Send` must not call back into the client.
type Transport interface {
	Open()
	Send(message []byte) error
	Close()
}

type TransportFactory func(ctx context.Context, url string, events *TransportEvents) Transport

type WebSocketSettings struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// zero disables the read deadline
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// messages queued before the writer blocks `Send`
	SendBufferSize    int  `yaml:"send_buffer_size"`
	EnableCompression bool `yaml:"enable_compression"`

	TlsConfig     *tls.Config `yaml:"-"`
	RequestHeader http.Header `yaml:"-"`
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		// the server heartbeat is well under this
		ReadTimeout:    60 * time.Second,
		SendBufferSize: 32,
	}
}

func NewWebSocketTransportFactory(settings *WebSocketSettings) TransportFactory {
	return func(ctx context.Context, url string, events *TransportEvents) Transport {
		return NewWebSocketTransport(ctx, url, events, settings)
	}
}

// a gorilla websocket carrying one text frame per envelope
type WebSocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	events   *TransportEvents
	settings *WebSocketSettings

	send chan []byte

	openOnce sync.Once
}

func NewWebSocketTransport(
	ctx context.Context,
	url string,
	events *TransportEvents,
	settings *WebSocketSettings,
) *WebSocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebSocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		events:   events,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
	}
}

func (self *WebSocketTransport) Open() {
	self.openOnce.Do(func() {
		go self.run()
	})
}

func (self *WebSocketTransport) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return errors.New("Transport closed.")
	default:
	}
	select {
	case <-self.ctx.Done():
		return errors.New("Transport closed.")
	case self.send <- message:
		return nil
	}
}

func (self *WebSocketTransport) Close() {
	self.cancel()
}

func (self *WebSocketTransport) run() {
	defer self.cancel()

	closeCode := websocket.CloseAbnormalClosure
	closeReason := ""
	defer func() {
		self.events.OnClose(closeCode, closeReason)
	}()

	dial := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  self.settings.HandshakeTimeout,
			TLSClientConfig:   self.settings.TlsConfig,
			EnableCompression: self.settings.EnableCompression,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, self.settings.RequestHeader)
		return ws, err
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[t]dial %s", self.url), dial)
	} else {
		ws, err = dial()
	}
	if err != nil {
		if self.ctx.Err() != nil {
			// closed while dialing
			closeCode = websocket.CloseNormalClosure
			return
		}
		glog.Infof("[t]dial %s error = %s\n", self.url, err)
		self.events.OnError(&TransportError{Err: err})
		return
	}
	defer ws.Close()

	self.events.OnOpen()

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				// caller close. Best effort close frame, then unblock the reader.
				ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(self.settings.WriteTimeout),
				)
				ws.Close()
				return
			case message := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.url, err)
					ws.Close()
					return
				}
				glog.V(2).Infof("[ts]%s-> %s\n", self.url, message)
			}
		}
	}()

	for {
		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closeCode = closeErr.Code
				closeReason = closeErr.Text
			} else if self.ctx.Err() != nil {
				closeCode = websocket.CloseNormalClosure
			} else {
				glog.Infof("[tr]%s<- error = %s\n", self.url, err)
				self.events.OnError(&TransportError{Err: err})
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(2).Infof("[tr]%s<- %s\n", self.url, message)
			self.events.OnMessage(message)
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.url)
		}
	}
}
