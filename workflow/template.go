package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}`)

// renderTemplate replaces {variable} placeholders with values from vars.
// Dotted names reach into nested objects. Unknown variables render empty.
func renderTemplate(tpl string, vars map[string]interface{}) string {
	return expand(tpl, vars, formatValue)
}

func expand(tpl string, vars map[string]interface{}, format func(interface{}) string) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	return placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		value, ok := lookup(vars, name)
		if !ok {
			return ""
		}
		return format(value)
	})
}

// renderPayload renders a payload_template into a JSON body. A string that is
// itself JSON is decoded and rendered like an object. Any other string is
// rendered as text with every value JSON-escaped, so strings substituted
// inside quotes cannot break out of them. Without a template the task
// metadata is sent.
func renderPayload(tpl interface{}, vars map[string]interface{}) (string, error) {
	switch t := tpl.(type) {
	case string:
		if doc, ok := decodeJSON(t); ok {
			return renderPayload(doc, vars)
		}
		return expand(t, vars, jsonValue), nil
	case nil:
		data, err := json.Marshal(vars)
		if err != nil {
			return "", fmt.Errorf("failed to encode payload: %w", err)
		}
		return string(data), nil
	default:
		data, err := json.Marshal(renderValue(t, vars))
		if err != nil {
			return "", fmt.Errorf("failed to encode payload: %w", err)
		}
		return string(data), nil
	}
}

func decodeJSON(s string) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return nil, false
	}
	return doc, true
}

// jsonValue encodes v for a JSON document. Strings lose their quotes so they
// can sit inside a quoted template field.
func jsonValue(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if _, ok := v.(string); ok && len(data) >= 2 {
		return string(data[1 : len(data)-1])
	}
	return string(data)
}

func renderValue(v interface{}, vars map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return renderTemplate(t, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = renderValue(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = renderValue(item, vars)
		}
		return out
	}
	return v
}

func lookup(vars map[string]interface{}, name string) (interface{}, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	var current interface{} = vars
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
	return fmt.Sprint(v)
}
