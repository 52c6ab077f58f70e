package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolErrorPrefix marks a tool message produced from a failed or panicking
// tool invocation.
const ToolErrorPrefix = "<tool-error>"

// Older connectors leaked errors in several shapes; the envelope shape with
// ok=false may also arrive stringified, in JSON or Python-literal form.
var pyFalseEnvelope = regexp.MustCompile(`['"]ok['"]\s*:\s*False`)

// CheckToolError reports whether a raw tool output string represents an
// error. Three legacy shapes are recognised alongside the envelope: the
// <tool-error> prefix, the "Error:" prefix, and a stringified envelope with
// ok=false. Success envelopes with ok=true are never errors.
func CheckToolError(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, ToolErrorPrefix) {
		return true
	}
	if strings.HasPrefix(trimmed, "Error:") {
		return true
	}
	var envelope struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.OK != nil {
		return !*envelope.OK
	}
	return pyFalseEnvelope.MatchString(trimmed)
}
