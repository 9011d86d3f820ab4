package ddp

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/bringyour/ddp/ejson"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// an in memory transport. The test drives the server side of each socket.
type testTransport struct {
	url    string
	events *TransportEvents
	codec  *ejson.Codec

	mutex  sync.Mutex
	opened bool
	closed bool
	sent   [][]byte
}

func (self *testTransport) Open() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.opened = true
}

func (self *testTransport) Send(message []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, message)
	return nil
}

func (self *testTransport) Close() {
	self.close(1000, "")
}

func (self *testTransport) close(code int, reason string) {
	closed := func() bool {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.closed {
			return false
		}
		self.closed = true
		return true
	}()
	if closed {
		self.events.OnClose(code, reason)
	}
}

func (self *testTransport) isClosed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}

// server side events
func (self *testTransport) open() {
	self.events.OnOpen()
}

func (self *testTransport) receive(envelope map[string]any) {
	message, err := self.codec.Encode(envelope)
	if err != nil {
		panic(err)
	}
	self.events.OnMessage(message)
}

func (self *testTransport) serverClose(code int, reason string) {
	self.close(code, reason)
}

func (self *testTransport) sentEnvelopes() []Envelope {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	envelopes := []Envelope{}
	for _, message := range self.sent {
		envelope, err := DecodeEnvelope(self.codec, message)
		if err != nil {
			panic(err)
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes
}

func (self *testTransport) sentWithMsg(msg string) []Envelope {
	envelopes := []Envelope{}
	for _, envelope := range self.sentEnvelopes() {
		if envelope.Msg() == msg {
			envelopes = append(envelopes, envelope)
		}
	}
	return envelopes
}

type testTransportFactory struct {
	mutex      sync.Mutex
	transports []*testTransport
}

func (self *testTransportFactory) New(ctx context.Context, url string, events *TransportEvents) Transport {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	transport := &testTransport{
		url:    url,
		events: events,
		codec:  ejson.NewCodec(),
	}
	self.transports = append(self.transports, transport)
	return transport
}

func (self *testTransportFactory) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.transports)
}

func (self *testTransportFactory) last() *testTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.transports[len(self.transports)-1]
}

func newTestClient(ctx context.Context) (*Client, *testTransportFactory) {
	factory := &testTransportFactory{}
	settings := DefaultClientSettings()
	settings.AutoReconnectTimeout = 10 * time.Millisecond
	settings.TransportFactory = factory.New
	return NewClient(ctx, settings), factory
}

// connects and establishes a session on a fresh socket
func connectTestClient(client *Client, factory *testTransportFactory) *testTransport {
	client.Connect(nil)
	transport := factory.last()
	transport.open()
	transport.receive(map[string]any{"msg": "connected", "session": "s1"})
	return transport
}

func waitFor(t *testing.T, condition func() bool) {
	timeout := time.After(5 * time.Second)
	for !condition() {
		select {
		case <-timeout:
			t.FailNow()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
