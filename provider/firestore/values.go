package firestore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

var simpleFieldPath = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z_0-9]*$`)

// fieldPath quotes keys that are not simple identifiers
func fieldPath(key string) string {
	if simpleFieldPath.MatchString(key) {
		return key
	}
	return "`" + key + "`"
}

// encodeValue converts a Go value into a Firestore typed value
func encodeValue(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{"nullValue": nil}, nil
	case string:
		return map[string]any{"stringValue": t}, nil
	case bool:
		return map[string]any{"booleanValue": t}, nil
	case int:
		return map[string]any{"integerValue": strconv.FormatInt(int64(t), 10)}, nil
	case int32:
		return map[string]any{"integerValue": strconv.FormatInt(int64(t), 10)}, nil
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(t, 10)}, nil
	case float32:
		return map[string]any{"doubleValue": float64(t)}, nil
	case float64:
		return map[string]any{"doubleValue": t}, nil
	case time.Time:
		return map[string]any{"timestampValue": t.UTC().Format(time.RFC3339Nano)}, nil
	case []string:
		values := make([]any, 0, len(t))
		for _, s := range t {
			values = append(values, map[string]any{"stringValue": s})
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}, nil
	case []any:
		values := make([]any, 0, len(t))
		for _, item := range t {
			enc, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			values = append(values, enc)
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}, nil
	case map[string]any:
		fields, err := encodeFields(t)
		if err != nil {
			return nil, err
		}
		return map[string]any{"mapValue": map[string]any{"fields": fields}}, nil
	default:
		return nil, fmt.Errorf("firestore: unsupported value type %T", v)
	}
}

func encodeFields(m map[string]any) (map[string]any, error) {
	fields := make(map[string]any, len(m))
	for k, v := range m {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = enc
	}
	return fields, nil
}

// decodeValue converts a Firestore typed value into a Go value.
// Arrays holding only strings decode to []string.
func decodeValue(v gjson.Result) any {
	switch {
	case v.Get("stringValue").Exists():
		return v.Get("stringValue").String()
	case v.Get("booleanValue").Exists():
		return v.Get("booleanValue").Bool()
	case v.Get("integerValue").Exists():
		return v.Get("integerValue").Int()
	case v.Get("doubleValue").Exists():
		return v.Get("doubleValue").Float()
	case v.Get("timestampValue").Exists():
		ts, err := time.Parse(time.RFC3339Nano, v.Get("timestampValue").String())
		if err != nil {
			return v.Get("timestampValue").String()
		}
		return ts
	case v.Get("arrayValue").Exists():
		items := []any{}
		strs := []string{}
		allStrings := true
		v.Get("arrayValue.values").ForEach(func(_, item gjson.Result) bool {
			dec := decodeValue(item)
			items = append(items, dec)
			if s, ok := dec.(string); ok {
				strs = append(strs, s)
			} else {
				allStrings = false
			}
			return true
		})
		if allStrings {
			return strs
		}
		return items
	case v.Get("mapValue").Exists():
		return decodeFields(v.Get("mapValue.fields"))
	default:
		return nil
	}
}

func decodeFields(fields gjson.Result) map[string]any {
	out := map[string]any{}
	fields.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = decodeValue(v)
		return true
	})
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
