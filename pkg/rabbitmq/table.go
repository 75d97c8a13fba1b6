package rabbitmq

import (
	"fmt"
	"math"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iota-uz/async-orders/pkg/headers"
)

// HeadersFromTable normalises AMQP header values into headers.Map. Every
// integer width becomes an int, byte slices become strings, and anything
// else is rendered as text.
func HeadersFromTable(t amqp.Table) headers.Map {
	out := make(headers.Map, len(t))
	for k, v := range t {
		out[k] = valueFromAMQP(v)
	}
	return out
}

func valueFromAMQP(v any) headers.Value {
	switch t := v.(type) {
	case nil:
		return headers.Null()
	case string:
		return headers.String(t)
	case []byte:
		return headers.String(string(t))
	case bool:
		return headers.Bool(t)
	case int:
		return headers.Int(int64(t))
	case int8:
		return headers.Int(int64(t))
	case int16:
		return headers.Int(int64(t))
	case int32:
		return headers.Int(int64(t))
	case int64:
		return headers.Int(t)
	case uint8:
		return headers.Int(int64(t))
	case uint16:
		return headers.Int(int64(t))
	case uint32:
		return headers.Int(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return headers.String(strconv.FormatUint(t, 10))
		}
		return headers.Int(int64(t))
	case float32:
		return floatValue(float64(t))
	case float64:
		return floatValue(t)
	case time.Time:
		return headers.String(t.UTC().Format(time.RFC3339Nano))
	default:
		return headers.String(fmt.Sprint(t))
	}
}

func floatValue(f float64) headers.Value {
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return headers.Int(int64(f))
	}
	return headers.String(strconv.FormatFloat(f, 'f', -1, 64))
}

func HeadersToTable(m headers.Map) amqp.Table {
	t := make(amqp.Table, len(m))
	for k, v := range m {
		t[k] = v.Raw()
	}
	return t
}
