package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Backoff strategies accepted in a retry policy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// NodeConfig holds the free-form, type specific configuration of a node.
type NodeConfig map[string]interface{}

// RetryPolicy controls how often and how fast a failing node is retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	Backoff     string        `json:"backoff"`
	Multiplier  float64       `json:"backoff_multiplier"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy is applied to nodes without a retry_policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 1,
	Backoff:     BackoffNone,
	Multiplier:  2,
	MaxDelay:    time.Hour,
}

// String returns the string value stored under key, or "".
func (c NodeConfig) String(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// Strings returns a list value. A single string is split on commas.
func (c NodeConfig) Strings(key string) []string {
	var out []string
	switch v := c[key].(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Float returns a numeric value, or def when missing or not a number.
func (c NodeConfig) Float(key string, def float64) float64 {
	if f, ok := toFloat(c[key]); ok {
		return f
	}
	return def
}

// Int returns an integer value, or def when missing or not a number.
func (c NodeConfig) Int(key string, def int) int {
	if f, ok := toFloat(c[key]); ok {
		return int(f)
	}
	return def
}

// Map returns a nested object value.
func (c NodeConfig) Map(key string) map[string]interface{} {
	switch v := c[key].(type) {
	case map[string]interface{}:
		return v
	case NodeConfig:
		return v
	case map[string]string:
		m := make(map[string]interface{}, len(v))
		for k, s := range v {
			m[k] = s
		}
		return m
	}
	return nil
}

// Timeout returns timeout_seconds as a duration, zero when unset.
func (c NodeConfig) Timeout() time.Duration {
	return seconds(c.Float("timeout_seconds", 0))
}

// RetryPolicy parses retry_policy, filling in defaults.
func (c NodeConfig) RetryPolicy() RetryPolicy {
	policy := DefaultRetryPolicy

	var raw NodeConfig
	switch v := c["retry_policy"].(type) {
	case RetryPolicy:
		policy = v
	case *RetryPolicy:
		if v != nil {
			policy = *v
		}
	case map[string]interface{}:
		raw = v
	case NodeConfig:
		raw = v
	}

	if raw != nil {
		policy.MaxAttempts = raw.Int("max_attempts", policy.MaxAttempts)
		policy.Delay = seconds(raw.Float("delay_seconds", 0))
		policy.Multiplier = raw.Float("backoff_multiplier", policy.Multiplier)
		if maxDelay := raw.Float("max_delay_seconds", 0); maxDelay > 0 {
			policy.MaxDelay = seconds(maxDelay)
		}
		switch b := raw["backoff"].(type) {
		case bool:
			if b {
				policy.Backoff = BackoffExponential
			} else {
				policy.Backoff = BackoffNone
			}
		case string:
			policy.Backoff = strings.ToLower(b)
		}
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = DefaultRetryPolicy.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if policy.Backoff == "" {
		policy.Backoff = BackoffNone
	}
	return policy
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
