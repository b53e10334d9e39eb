package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
)

// placeholder returns the n-th PostgreSQL placeholder ($n).
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns $1..$n joined by commas.
func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
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

func unmarshalStringMap(data []byte) map[string]string {
	m := map[string]string{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &m)
	}
	return m
}

func unmarshalStringSlice(data []byte) []string {
	var s []string
	if len(data) > 0 {
		_ = json.Unmarshal(data, &s)
	}
	return s
}

// escapeLike escapes LIKE special characters to prevent pattern injection.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
