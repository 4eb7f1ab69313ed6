package dispatcher

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Intents the dispatcher model may return.
const (
	IntentChat        = "chat"
	IntentQueryMemory = "query_memory"
	IntentCreateTask  = "create_task"
)

// Decision is the parsed model output.
type Decision struct {
	Intent          string `json:"intent"`
	Reply           string `json:"reply,omitempty"`
	TaskTitle       string `json:"taskTitle,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
}

func validIntent(s string) bool {
	return s == IntentChat || s == IntentQueryMemory || s == IntentCreateTask
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

var fieldRegexps = map[string]*regexp.Regexp{
	"intent":          regexp.MustCompile(`"intent"\s*:\s*"([^"]*)"`),
	"reply":           regexp.MustCompile(`"reply"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	"taskTitle":       regexp.MustCompile(`"taskTitle"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	"taskDescription": regexp.MustCompile(`"taskDescription"\s*:\s*"((?:[^"\\]|\\.)*)"`),
}

// ParseDecision extracts a Decision from model output, trying strategies
// from strict to desperate. Returns ok=false only when nothing usable was
// found; long free text without an intent field becomes a chat reply.
func ParseDecision(text string) (Decision, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Decision{}, false
	}

	// 1. Whole text is JSON.
	if d, ok := tryUnmarshal(trimmed); ok {
		return d, true
	}

	// 2. Fenced code block.
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if d, ok := tryUnmarshal(m[1]); ok {
			return d, true
		}
	}

	// 3. Largest balanced {...} scanning from the end.
	if obj := lastBalancedObject(trimmed); obj != "" {
		if d, ok := tryUnmarshal(obj); ok {
			return d, true
		}
	}

	// 4. First-{ to last-} slice.
	if first, last := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); first >= 0 && last > first {
		if d, ok := tryUnmarshal(trimmed[first : last+1]); ok {
			return d, true
		}
	}

	// 5. Regex per field.
	if d, ok := regexExtract(trimmed); ok {
		return d, true
	}

	// 6. Long free text without an intent marker is a chat reply.
	if !strings.Contains(trimmed, `"intent"`) && len(trimmed) > 40 {
		return Decision{Intent: IntentChat, Reply: trimmed}, true
	}

	return Decision{}, false
}

func tryUnmarshal(s string) (Decision, bool) {
	var d Decision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return Decision{}, false
	}
	if !validIntent(d.Intent) {
		return Decision{}, false
	}
	return d, true
}

// lastBalancedObject finds the largest balanced top-level {...} whose
// closing brace is nearest the end, brace-counting backwards.
func lastBalancedObject(s string) string {
	end := strings.LastIndex(s, "}")
	if end < 0 {
		return ""
	}
	depth := 0
	for i := end; i >= 0; i-- {
		switch s[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				return s[i : end+1]
			}
		}
	}
	return ""
}

func regexExtract(s string) (Decision, bool) {
	var d Decision
	if m := fieldRegexps["intent"].FindStringSubmatch(s); m != nil {
		d.Intent = m[1]
	}
	if !validIntent(d.Intent) {
		return Decision{}, false
	}
	if m := fieldRegexps["reply"].FindStringSubmatch(s); m != nil {
		d.Reply = unescapeJSONString(m[1])
	}
	if m := fieldRegexps["taskTitle"].FindStringSubmatch(s); m != nil {
		d.TaskTitle = unescapeJSONString(m[1])
	}
	if m := fieldRegexps["taskDescription"].FindStringSubmatch(s); m != nil {
		d.TaskDescription = unescapeJSONString(m[1])
	}
	return d, true
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
