package ddp

import (
	"fmt"
	"strings"
)

// raised by the transport before or after a session exists.
// recoverable, the reconnect policy applies.
type TransportError struct {
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("Transport error: %s", self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// the server rejected every version this client supports. Fatal, auto reconnect is disabled.
type NegotiationError struct {
	ProposedVersion   string
	SupportedVersions []string
}

func (self *NegotiationError) Error() string {
	return fmt.Sprintf(
		"Cannot negotiate DDP version: server proposed %q, supported [%s]",
		self.ProposedVersion,
		strings.Join(self.SupportedVersions, ", "),
	)
}

// error payload carried by `result` and `nosub`
type ServerError struct {
	// number or string
	ErrorCode any
	Reason    string
	Message   string
	ErrorType string
	Details   any
}

func (self *ServerError) Error() string {
	if self.Message != "" {
		return self.Message
	}
	if self.ErrorCode != nil {
		return fmt.Sprintf("%s [%v]", self.Reason, self.ErrorCode)
	}
	return self.Reason
}

func parseServerError(value any) ServerError {
	switch v := value.(type) {
	case map[string]any:
		serverError := ServerError{
			ErrorCode: v["error"],
			Details:   v["details"],
		}
		serverError.Reason, _ = v["reason"].(string)
		serverError.Message, _ = v["message"].(string)
		serverError.ErrorType, _ = v["errorType"].(string)
		return serverError
	case string:
		return ServerError{Message: v}
	default:
		return ServerError{Message: fmt.Sprintf("%v", v)}
	}
}

// server reported error for a method call
type MethodError struct {
	ServerError
	MethodId string
}

// server reported error for a subscription
type SubscriptionError struct {
	ServerError
	SubscriptionId string
}

// generated locally for every pending request when the socket is lost.
// distinguishes "server said no" from "connection vanished"
type DisconnectError struct {
}

func (self *DisconnectError) Error() string {
	return "Disconnected from DDP server"
}
