// Package channel defines the publish/subscribe boundary between the
// station simulator and its message transport. The simulator only sees
// [Channel]; the MQTT implementation lives in package mqtt and tests
// substitute an in-memory recorder.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"
)

// DefaultQoS is the quality of service used for every publish and
// subscription unless a caller asks otherwise.
const DefaultQoS byte = 1

// Channel is a connect/publish/subscribe/disconnect primitive.
// Implementations must be safe for concurrent Publish calls from
// several goroutines.
type Channel interface {
	// Connect establishes the broker session. A failure is final; the
	// channel does not retry on its own.
	Connect(ctx context.Context) error

	// Publish encodes payload with [Encode] and sends it to topic. It
	// reports whether the broker accepted the message. Failures are
	// logged by the implementation and never returned as errors.
	Publish(ctx context.Context, topic string, payload any, qos byte) bool

	// Subscribe registers h for messages on topic. A nil h installs
	// [LogHandler] with the channel's logger.
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error

	// Disconnect closes the session. Subscriptions end with it.
	Disconnect(ctx context.Context) error
}

// Handler receives inbound messages. HandleMessage is called from the
// transport's delivery goroutine and must be safe for concurrent use.
type Handler interface {
	HandleMessage(topic string, payload []byte)
}

// HandlerFunc adapts an ordinary function to [Handler].
type HandlerFunc func(topic string, payload []byte)

// HandleMessage calls f(topic, payload).
func (f HandlerFunc) HandleMessage(topic string, payload []byte) {
	f(topic, payload)
}

// LogHandler returns the default [Handler]: it logs every received
// message at info level with its topic and size. UTF-8 payloads are
// included verbatim; binary payloads are logged by size only.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(topic string, payload []byte) {
		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}
		if utf8.Valid(payload) {
			fields = append(fields, "payload", string(payload))
		}
		logger.Info("message received", fields...)
	})
}

// Encode converts a telemetry payload to wire bytes. Strings and byte
// slices are sent as is, integers as decimal text, booleans as
// "true"/"false", and everything else (maps, structs) as JSON.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case int32:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case uint:
		return []byte(strconv.FormatUint(uint64(v), 10)), nil
	case uint64:
		return []byte(strconv.FormatUint(v, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case bool:
		return []byte(strconv.FormatBool(v)), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %T payload: %w", payload, err)
		}
		return data, nil
	}
}
