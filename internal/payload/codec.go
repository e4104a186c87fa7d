package payload

import (
	"encoding/json"
	"sort"
	"strings"
)

// Fallback selects how a payload that does not parse as a keyed object is
// interpreted: the roster flow treats bare text as a display name, the
// scan-log flow treats it as a device token.
type Fallback int

const (
	FallbackName Fallback = iota
	FallbackDeviceID
)

// Candidate is the normalized result of decoding one scanned payload, before
// any admission checks. Empty fields mean "absent".
type Candidate struct {
	Name     string
	DeviceID string
	Metadata map[string]any
}

// Field sniffing is an ordered list of key names, first match wins. Keeping
// the lists as data keeps every accessor rule in one place.
var (
	nameKeys   = []string{"name", "fullName", "studentName", "student_name", "ownerName", "owner", "userName", "username"}
	deviceKeys = []string{"deviceId", "deviceID", "device_id", "id", "device"}
)

// Decode parses a raw scanned string into a candidate identity. Badges in the
// wild carry either a JSON object or plain text, so Decode never fails: when
// the input is not a keyed object the trimmed text becomes the name or the
// device id depending on the fallback context.
func Decode(raw string, fallback Fallback) Candidate {
	trimmed := strings.TrimSpace(raw)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj == nil {
		if trimmed == "" {
			return Candidate{}
		}
		if fallback == FallbackDeviceID {
			return Candidate{DeviceID: trimmed}
		}
		return Candidate{Name: trimmed}
	}

	return Candidate{
		Name:     sniffName(obj),
		DeviceID: sniffDeviceID(obj),
		Metadata: obj,
	}
}

func sniffName(obj map[string]any) string {
	for _, key := range nameKeys {
		if v, ok := obj[key].(string); ok {
			if t := strings.TrimSpace(v); t != "" {
				return t
			}
		}
	}
	first, _ := obj["firstName"].(string)
	last, _ := obj["lastName"].(string)
	joined := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	return joined
}

func sniffDeviceID(obj map[string]any) string {
	for _, key := range deviceKeys {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if id, ok := v["id"].(string); ok && id != "" {
				return id
			}
		}
	}

	// Any remaining string field whose key mentions "id". Sorted so the pick
	// is deterministic regardless of map iteration order.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.Contains(strings.ToLower(k), "id") {
			continue
		}
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}

	// Last resort: the payload as a whole identifies the device. Map keys
	// marshal sorted, so the same object always yields the same token.
	b, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(b)
}
