package redisstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/microbus"
)

// encodeValues flattens an envelope into stream entry fields.
func encodeValues(queue string, env *microbus.Envelope) map[string]any {
	vals := make(map[string]any, 5)
	if env.ID != "" {
		vals[fieldID] = env.ID
	}
	routingKey := env.RoutingKey
	if routingKey == "" {
		routingKey = queue
	}
	vals[fieldRoutingKey] = routingKey
	vals[fieldPayload] = env.Body
	if env.ContentType != "" {
		vals[fieldContentType] = env.ContentType
	}
	if !env.PublishedAt.IsZero() {
		vals[fieldPublishedAt] = env.PublishedAt.UnixNano()
	}
	return vals
}

// decodeEnvelope rebuilds an envelope from a stream entry. Entries written
// without an id field take the stream entry ID; entries without a routing key
// take the stream name.
func decodeEnvelope(stream, entryID string, vals map[string]any) *microbus.Envelope {
	env := &microbus.Envelope{
		ID:         entryID,
		RoutingKey: stream,
	}

	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			env.ID = s
		}
	}
	if v, ok := vals[fieldRoutingKey]; ok {
		if s := asString(v); s != "" {
			env.RoutingKey = s
		}
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			env.Body = p
		case string:
			env.Body = []byte(p)
		}
	}
	if v, ok := vals[fieldContentType]; ok {
		env.ContentType = asString(v)
	}
	if pa := vals[fieldPublishedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			env.PublishedAt = time.Unix(0, ns)
		}
	}

	return env
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
