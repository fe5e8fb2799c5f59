// Package recognizer provides transcribe.Recognizer implementations backed by
// Google Cloud Speech, Kafka transcript topics and line-oriented text streams.
package recognizer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result is one transcript segment decoded from an upstream source.
type Result struct {
	Text    string
	IsFinal bool
}

// TranscriptEvent is the JSON shape published by speech ingress services.
type TranscriptEvent struct {
	EventType     string  `json:"eventType"`
	InteractionID string  `json:"interactionId,omitempty"`
	SegmentID     string  `json:"segmentId,omitempty"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence,omitempty"`
	Timestamp     int64   `json:"timestamp,omitempty"`
}

// ParseLine decodes a transcript line. JSON lines may carry text under
// "text" or "transcript" and finality under "is_final", "isFinal", "final" or
// an "eventType" naming a partial or final event. Plain lines are final unless
// prefixed with "partial:". It returns ok=false for blank lines.
func ParseLine(line string) (Result, bool, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return Result{}, false, nil
	}
	if looksLikeJSON(trim) {
		return parseJSON([]byte(trim))
	}
	lower := strings.ToLower(trim)
	switch {
	case strings.HasPrefix(lower, "partial:"):
		return Result{Text: strings.TrimSpace(trim[len("partial:"):]), IsFinal: false}, true, nil
	case strings.HasPrefix(lower, "final:"):
		return Result{Text: strings.TrimSpace(trim[len("final:"):]), IsFinal: true}, true, nil
	}
	return Result{Text: trim, IsFinal: true}, true, nil
}

func parseJSON(data []byte) (Result, bool, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Result{}, false, fmt.Errorf("decode transcript line: %w", err)
	}
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(k)] = v
	}
	text := firstString(fields, "text", "transcript")
	if strings.TrimSpace(text) == "" {
		return Result{}, false, nil
	}
	res := Result{Text: text, IsFinal: true}
	if v, ok := firstBool(fields, "is_final", "isfinal", "final"); ok {
		res.IsFinal = v
	} else if et := strings.ToLower(firstString(fields, "eventtype", "event_type", "type")); et != "" {
		res.IsFinal = !strings.Contains(et, "partial") && !strings.Contains(et, "interim")
	}
	return res, true, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v, true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, true
			case "false", "0", "no":
				return false, true
			}
		}
	}
	return false, false
}
