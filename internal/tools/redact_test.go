package tools

import (
	"reflect"
	"testing"
)

func TestRedactPartialKeyMatches(t *testing.T) {
	in := map[string]any{
		"api_key":       "sk-live-secret",
		"Authorization": "Bearer abc",
		"access_token":  "tok",
		"X-Api-Key":     "k",
		"url":           "https://example.com",
		"count":         3,
	}
	out := Redact(in).(map[string]any)

	for _, key := range []string{"api_key", "Authorization", "access_token", "X-Api-Key"} {
		if out[key] != Redacted {
			t.Fatalf("%s = %v, want redacted", key, out[key])
		}
	}
	if out["url"] != "https://example.com" || out["count"] != 3 {
		t.Fatalf("benign values changed: %+v", out)
	}
}

func TestRedactSemanticKeyValuePairs(t *testing.T) {
	in := map[string]any{
		"headers": []any{
			map[string]any{"key": "Authorization", "value": "Bearer xyz"},
			map[string]any{"key": "Accept", "value": "application/json"},
		},
	}
	out := Redact(in).(map[string]any)
	headers := out["headers"].([]any)

	auth := headers[0].(map[string]any)
	if auth["value"] != Redacted {
		t.Fatalf("semantic auth header not redacted: %v", auth)
	}
	if auth["key"] != "Authorization" {
		t.Fatalf("semantic key itself changed: %v", auth)
	}
	accept := headers[1].(map[string]any)
	if accept["value"] != "application/json" {
		t.Fatalf("benign header redacted: %v", accept)
	}
}

func TestRedactRecursesAndIsIdempotent(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{
			"list": []any{
				map[string]any{"secret": "deep"},
				"plain",
			},
		},
	}
	once := Redact(in)
	twice := Redact(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("redact not idempotent:\n once: %+v\n twice: %+v", once, twice)
	}
	deep := once.(map[string]any)["outer"].(map[string]any)["list"].([]any)[0].(map[string]any)
	if deep["secret"] != Redacted {
		t.Fatalf("nested secret survived: %v", deep)
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"token": "visible"}
	_ = Redact(in)
	if in["token"] != "visible" {
		t.Fatal("input mutated")
	}
}

func TestRedactPrimitivesPassThrough(t *testing.T) {
	for _, v := range []any{42, "text", true, nil, 3.14} {
		if got := Redact(v); !reflect.DeepEqual(got, v) {
			t.Fatalf("Redact(%v) = %v", v, got)
		}
	}
}

func TestCheckToolError(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"tool error prefix", "<tool-error> connection refused", true},
		{"error prefix", "Error: no such host", true},
		{"json false envelope", `{"ok": false, "error_type": "execution_error", "user_message": "x"}`, true},
		{"python false envelope", `{'ok': False, 'error_type': 'execution_error'}`, true},
		{"json true envelope", `{"ok": true, "data": {"status": 200}}`, false},
		{"plain text", "all good", false},
		{"empty", "", false},
		{"error mid-string", "the word Error: appears later", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckToolError(tt.raw); got != tt.want {
				t.Fatalf("CheckToolError(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
