package mavlink

import (
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/bluenviron/gomavlib/v2/pkg/message"

	"droneops-edge/internal/telemetry"
)

// Convert flattens a decoded dialect message into a telemetry message.
// Integers become uint64 or int64, floats float64, char arrays strings.
func Convert(msg message.Message, at time.Time) telemetry.Message {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	out := telemetry.Message{
		Type:       TypeName(v.Type().Name()),
		Fields:     make(map[string]any, v.NumField()),
		CapturedAt: at,
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("mavname")
		if name == "" {
			name = snake(f.Name)
		}
		out.Fields[name] = scalar(v.Field(i))
	}
	return out
}

// TypeName maps a Go message type name such as MessageGlobalPositionInt to the
// MAVLink tag GLOBAL_POSITION_INT.
func TypeName(goName string) string {
	return strings.ToUpper(snake(strings.TrimPrefix(goName, "Message")))
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scalar(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return strings.TrimRight(v.String(), "\x00")
	case reflect.Array, reflect.Slice:
		n := v.Len()
		list := make([]any, n)
		for i := 0; i < n; i++ {
			list[i] = scalar(v.Index(i))
		}
		return list
	default:
		return v.Interface()
	}
}
