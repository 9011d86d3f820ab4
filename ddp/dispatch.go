package ddp

import (
	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// routes one inbound envelope by `msg`.
// session, version, and heartbeat messages go to the connection manager,
// method and subscription outcomes to the correlator, and deltas to the replica.
func (self *Client) dispatchLocked(socket *socket, envelope Envelope, callbacks *callbackQueue) {
	msg := envelope.Msg()
	if msg == "" {
		// not a protocol message, e.g. the legacy `server_id` greeting
		socket.log("<- (no msg)")
		return
	}
	self.metrics.messagesReceived.WithLabelValues(msg).Inc()
	socket.log("<- %s", msg)

	switch msg {
	case MsgConnected:
		self.handleConnectedLocked(socket, envelope, callbacks)

	case MsgFailed:
		self.handleFailedLocked(socket, envelope, callbacks)

	case MsgPing:
		self.sendLocked(pongEnvelope(envelope))

	case MsgPong:
		// this client does not ping

	case MsgResult:
		callId := envelope.StringField("id")
		var err error
		if errorValue, ok := envelope["error"]; ok && errorValue != nil {
			err = &MethodError{
				ServerError: parseServerError(errorValue),
				MethodId:    callId,
			}
		}
		self.correlator.result(callId, envelope["result"], err, callbacks)

	case MsgUpdated:
		self.correlator.updated(envelope.StringList("methods"), callbacks)

	case MsgNosub:
		subscriptionId := envelope.StringField("id")
		var err error
		if errorValue, ok := envelope["error"]; ok && errorValue != nil {
			err = &SubscriptionError{
				ServerError:    parseServerError(errorValue),
				SubscriptionId: subscriptionId,
			}
		}
		self.correlator.nosub(subscriptionId, err, callbacks)

	case MsgReady:
		self.correlator.ready(envelope.StringList("subs"), callbacks)

	case MsgAdded:
		if collectionName := envelope.StringField("collection"); self.settings.MaintainCollections && collectionName != "" {
			self.replica.applyAdded(
				collectionName,
				envelope.StringField("id"),
				envelope.Object("fields"),
				callbacks,
			)
		}

	case MsgChanged:
		if collectionName := envelope.StringField("collection"); self.settings.MaintainCollections && collectionName != "" {
			self.replica.applyChanged(
				collectionName,
				envelope.StringField("id"),
				envelope.Object("fields"),
				envelope.StringList("cleared"),
				callbacks,
			)
		}

	case MsgRemoved:
		if collectionName := envelope.StringField("collection"); self.settings.MaintainCollections && collectionName != "" {
			self.replica.applyRemoved(
				collectionName,
				envelope.StringField("id"),
				callbacks,
			)
		}

	case MsgError:
		glog.Infof(
			"[c]%s server error reason=%s offending=%v\n",
			socket.connectionId,
			envelope.StringField("reason"),
			envelope["offendingMessage"],
		)

	default:
		// `addedBefore` and `movedBefore` are not maintained by the replica
		socket.log("<- unhandled %s", msg)
	}
}

func (self *Client) handleConnectedLocked(socket *socket, envelope Envelope, callbacks *callbackQueue) {
	socket.connected = true
	self.session = Session{
		DdpVersion: self.ddpVersion,
		SessionId:  envelope.StringField("session"),
	}
	self.stopReconnectTimerLocked()
	self.state = StateConnected

	reconnected := self.reconnecting
	self.reconnecting = false
	if reconnected {
		self.metrics.connects.WithLabelValues("true").Inc()
	} else {
		self.metrics.connects.WithLabelValues("false").Inc()
	}

	for _, connectedCallback := range self.connectedCallbacks.Get() {
		callbacks.add(func() {
			connectedCallback(reconnected)
		})
	}

	self.flushOutboxLocked()
}

// the server rejected the proposed version.
// adopt its proposal if supported and reconnect, otherwise fail permanently.
func (self *Client) handleFailedLocked(socket *socket, envelope Envelope, callbacks *callbackQueue) {
	version := envelope.StringField("version")

	if slices.Contains(SupportedDdpVersions, version) {
		socket.log("adopt version %s", version)
		self.ddpVersion = version
		next, prev := self.openSocketLocked(callbacks)
		callbacks.add(func() {
			if prev != nil {
				prev.Close()
			}
			next.Open()
		})
		return
	}

	negotiationErr := &NegotiationError{
		ProposedVersion:   version,
		SupportedVersions: slices.Clone(SupportedDdpVersions),
	}
	glog.Infof("[c]%s %s\n", socket.connectionId, negotiationErr)

	self.autoReconnect = false
	self.state = StateFailed
	reconnecting := self.reconnecting
	self.reconnecting = false

	for _, failedCallback := range self.failedCallbacks.Get() {
		callbacks.add(func() {
			failedCallback(negotiationErr, reconnecting)
		})
	}

	transport := socket.transport
	self.socket = nil
	self.disconnectLocked(callbacks)
	callbacks.add(transport.Close)
}
