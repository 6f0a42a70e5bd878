package messaging

import (
	"reflect"
	"strings"
	"time"
)

// Message is the unit that crosses the broker boundary.
type Message struct {
	// RoutingKey is the dot-delimited subject. Never a wildcard when published.
	RoutingKey string
	// CorrelationID links a command to its reply. Empty for events.
	CorrelationID string
	// ReplyTo is the queue a command's answer must be published to.
	ReplyTo string
	// Payload is the encoded application payload.
	Payload []byte
	// IsError marks a reply whose payload is an encoded RemoteError.
	IsError bool
	// DeliveryTag is the broker's acknowledgement handle, passed through untouched.
	DeliveryTag uint64
	Headers     map[string]interface{}
	Timestamp   time.Time
}

// IsCommand reports whether the message expects a reply.
func (m Message) IsCommand() bool {
	return m.CorrelationID != "" && m.ReplyTo != ""
}

// Header returns a header value, or nil.
func (m Message) Header(name string) interface{} {
	if m.Headers == nil {
		return nil
	}
	return m.Headers[name]
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// isNilPayload reports whether v is nil or a nil value held in an interface,
// both of which would encode as null.
func isNilPayload(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Header names set on published messages.
const (
	HeaderContentType = "content-type"
	HeaderIsError     = "x-is-error"
)
