package txdiff

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// propertyTypes names the type of every property the way graph schemas are
// usually reported: String, Long, Double, Boolean, Map, lists as "<T>[]".
func propertyTypes(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = TypeName(v)
	}
	return out
}

// TypeName returns the schema type name of a property value
func TypeName(v any) string {
	switch t := v.(type) {
	case nil:
		return "Null"
	case string:
		return "String"
	case bool:
		return "Boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "Long"
	case float32, float64:
		return "Double"
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return "Double"
		}
		return "Long"
	case time.Time:
		return "ZonedDateTime"
	case time.Duration:
		return "Duration"
	case map[string]any:
		return "Map"
	case []any:
		elem := "Any"
		for _, e := range t {
			if e != nil {
				elem = TypeName(e)
				break
			}
		}
		return elem + "[]"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return "Byte[]"
		}
		return TypeName(reflect.Zero(rv.Type().Elem()).Interface()) + "[]"
	case reflect.Map:
		return "Map"
	default:
		return rv.Type().Name()
	}
}
