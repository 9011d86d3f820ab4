package ddp

import (
	"fmt"
)

const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgUpdated   = "updated"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgNosub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgReady     = "ready"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgError     = "error"
)

// one decoded protocol message, discriminated by `msg`
type Envelope map[string]any

func DecodeEnvelope(codec Codec, message []byte) (Envelope, error) {
	value, err := codec.Decode(message)
	if err != nil {
		return nil, err
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("Message must be an object (%T)", value)
	}
	return Envelope(object), nil
}

func (self Envelope) Msg() string {
	msg, _ := self["msg"].(string)
	return msg
}

func (self Envelope) Has(key string) bool {
	_, ok := self[key]
	return ok
}

func (self Envelope) StringField(key string) string {
	s, _ := self[key].(string)
	return s
}

// missing or malformed lists are empty
func (self Envelope) StringList(key string) []string {
	values, ok := self[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (self Envelope) Object(key string) map[string]any {
	object, _ := self[key].(map[string]any)
	return object
}

func connectEnvelope(version string, supportedVersions []string) Envelope {
	return Envelope{
		"msg":     MsgConnect,
		"version": version,
		"support": supportedVersions,
	}
}

func methodEnvelope(id string, method string, params []any, randomSeed any) Envelope {
	envelope := Envelope{
		"msg":    MsgMethod,
		"id":     id,
		"method": method,
		"params": nonNilParams(params),
	}
	if randomSeed != nil {
		envelope["randomSeed"] = randomSeed
	}
	return envelope
}

func subEnvelope(id string, name string, params []any) Envelope {
	return Envelope{
		"msg":    MsgSub,
		"id":     id,
		"name":   name,
		"params": nonNilParams(params),
	}
}

func unsubEnvelope(id string) Envelope {
	return Envelope{
		"msg": MsgUnsub,
		"id":  id,
	}
}

func pongEnvelope(ping Envelope) Envelope {
	if id, ok := ping["id"]; ok {
		return Envelope{
			"msg": MsgPong,
			"id":  id,
		}
	}
	return Envelope{
		"msg": MsgPong,
	}
}

func nonNilParams(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}
