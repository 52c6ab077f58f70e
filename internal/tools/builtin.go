package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

const (
	httpRequestTimeout = 30 * time.Second
	httpMaxBody        = 1 << 20
	execTimeout        = 60 * time.Second
	execMaxOutput      = 64 * 1024
)

// RegisterBuiltins installs the infrastructure tool set every worker agent
// receives by default.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(&currentTimeTool{})
	r.MustRegister(&httpRequestTool{client: &http.Client{Timeout: httpRequestTimeout}})
	r.MustRegister(&execCommandTool{})
}

type currentTimeTool struct{}

func (t *currentTimeTool) Name() string { return "get_current_time" }

func (t *currentTimeTool) Description() string {
	return "Get the current date and time, optionally in a named IANA timezone."
}

func (t *currentTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."}
		}
	}`)
}

func (t *currentTimeTool) Invoke(_ context.Context, args map[string]any) (*Result, error) {
	loc := time.UTC
	if name, _ := args["timezone"].(string); name != "" {
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return Failure(ErrValidation, fmt.Sprintf("unknown timezone %q", name)), nil
		}
		loc = parsed
	}
	now := time.Now().In(loc)
	return Success(map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}), nil
}

type httpRequestTool struct {
	client *http.Client
}

func (t *httpRequestTool) Name() string { return "http_request" }

func (t *httpRequestTool) Description() string {
	return "Perform an HTTP request and return status, headers, and body (truncated to 1 MB)."
}

func (t *httpRequestTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {"type": "string"}
		}
	}`)
}

func (t *httpRequestTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	url, _ := args["url"].(string)
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if text, _ := args["body"].(string); text != "" {
		body = bytes.NewBufferString(text)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Failure(ErrValidation, fmt.Sprintf("bad request: %v", err)), nil
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Failure(ErrExecution, fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Failure(ErrRateLimited, "upstream returned 429; retry later"), nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxBody))
	if err != nil {
		return Failure(ErrExecution, fmt.Sprintf("read response: %v", err)), nil
	}
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Success(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(data),
	}), nil
}

type execCommandTool struct{}

func (t *execCommandTool) Name() string { return "exec_command" }

func (t *execCommandTool) Description() string {
	return "Run a shell command on the host and return stdout, stderr, and exit code."
}

func (t *execCommandTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["command"],
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"timeout_seconds": {"type": "number", "minimum": 1, "maximum": 600}
		}
	}`)
}

func (t *execCommandTool) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	command, _ := args["command"].(string)
	timeout := execTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return Failure(ErrExecution, fmt.Sprintf("command timed out after %s", timeout)), nil
	}
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Failure(ErrExecution, fmt.Sprintf("command failed to start: %v", err)), nil
		}
	}
	return Success(map[string]any{
		"exit_code": exitCode,
		"stdout":    truncate(stdout.String(), execMaxOutput),
		"stderr":    truncate(stderr.String(), execMaxOutput),
	}), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
