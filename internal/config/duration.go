package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration 允许在 JSON 中以 "30s"、"24h" 的形式书写时长。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 同时接受字符串与纳秒整数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v)
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("无效的时长类型 %T", raw)
	}
	return nil
}

// MarshalJSON 输出可读的字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func orDefault(d Duration, fallback time.Duration) Duration {
	if d.Duration <= 0 {
		return Duration{fallback}
	}
	return d
}
