package sqlite

import (
	"encoding/json"
	"strings"
)

// placeholders returns n "?" placeholders joined by commas.
func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = "?"
	}
	return strings.Join(list, ", ")
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStringMap(data string) map[string]string {
	m := map[string]string{}
	if data != "" {
		_ = json.Unmarshal([]byte(data), &m)
	}
	return m
}

func unmarshalStringSlice(data string) []string {
	var s []string
	if data != "" {
		_ = json.Unmarshal([]byte(data), &s)
	}
	return s
}

func unmarshalFloat32Slice(data string) []float32 {
	var s []float32
	if data != "" {
		_ = json.Unmarshal([]byte(data), &s)
	}
	return s
}
