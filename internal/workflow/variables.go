package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/stewardhq/steward/pkg/models"
)

// varPattern matches ${node_id} and ${node_id.path.to.field} references.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\}`)

// UnknownNodeError reports a reference to a node with no output.
type UnknownNodeError struct {
	Node string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("variable references unknown node %q", e.Node)
}

// UnknownFieldError reports a path that does not exist in a node output.
type UnknownFieldError struct {
	Node string
	Path string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("node %q output has no field %q", e.Node, e.Path)
}

// Resolver substitutes ${...} references against the outputs produced so
// far in one execution. Outputs are envelopes; legacy raw payloads are
// supported through a fallback path.
type Resolver struct {
	outputs map[string]any
	logger  *slog.Logger
}

// NewResolver creates a resolver over the execution's node outputs.
func NewResolver(outputs map[string]any, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default().With("component", "workflow")
	}
	return &Resolver{outputs: outputs, logger: logger}
}

// ResolveString resolves every reference in one string. A pure-variable
// string (the whole string is a single reference) preserves the referenced
// value's type; an interpolated string stringifies each substitution. In
// interpolation, unresolvable references stay as literal text and log a
// warning; in a pure reference they are errors.
func (r *Resolver) ResolveString(s string) (any, error) {
	if ref, pure := pureReference(s); pure {
		return r.lookup(ref)
	}
	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := match[2 : len(match)-1]
		value, err := r.lookup(ref)
		if err != nil {
			r.logger.Warn("unresolvable reference left intact", "reference", match, "error", err)
			return match
		}
		return stringify(value)
	})
	return result, nil
}

// ResolveParams resolves references recursively through maps, slices, and
// strings. Non-string leaves pass through unchanged.
func (r *Resolver) ResolveParams(params map[string]any) (map[string]any, error) {
	resolved, err := r.resolveValue(params)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (r *Resolver) resolveValue(v any) (any, error) {
	switch typed := v.(type) {
	case string:
		return r.ResolveString(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// lookup resolves one dotted reference.
func (r *Resolver) lookup(ref string) (any, error) {
	parts := strings.Split(ref, ".")
	nodeID := parts[0]
	raw, ok := r.outputs[nodeID]
	if !ok {
		return nil, &UnknownNodeError{Node: nodeID}
	}
	path := parts[1:]

	envelope, enveloped := raw.(*models.NodeOutput)
	if !enveloped {
		// Legacy payload: ${n} prefers a result field, then the whole
		// payload; paths walk the payload directly.
		if len(path) == 0 {
			if m, ok := raw.(map[string]any); ok {
				if result, ok := m["result"]; ok {
					return result, nil
				}
			}
			return raw, nil
		}
		return walk(nodeID, raw, path)
	}

	if len(path) == 0 {
		return envelope.Value, nil
	}
	switch path[0] {
	case "meta":
		return walk(nodeID, metaMap(envelope.Meta), path[1:])
	case "value", "result":
		// result aliases value, so ${n.result.x} and ${n.value.x} agree —
		// unless the value itself carries a field of that name, which wins.
		if m, ok := envelope.Value.(map[string]any); ok {
			if _, shadowed := m[path[0]]; shadowed {
				return walk(nodeID, envelope.Value, path)
			}
		}
		return walk(nodeID, envelope.Value, path[1:])
	default:
		return walk(nodeID, envelope.Value, path)
	}
}

// walk descends a dotted path through maps and slices.
func walk(nodeID string, v any, path []string) (any, error) {
	current := v
	for i, seg := range path {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[seg]
			if !ok {
				return nil, &UnknownFieldError{Node: nodeID, Path: strings.Join(path[:i+1], ".")}
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil, &UnknownFieldError{Node: nodeID, Path: strings.Join(path[:i+1], ".")}
			}
			current = typed[idx]
		default:
			return nil, &UnknownFieldError{Node: nodeID, Path: strings.Join(path[:i+1], ".")}
		}
	}
	return current, nil
}

// ResolveConditionExpr substitutes references in a conditional expression
// with literals the evaluator can parse: strings are quoted, numbers and
// booleans inlined. Unresolvable references are errors here; a condition
// that cannot see its inputs must not silently evaluate.
func (r *Resolver) ResolveConditionExpr(expr string) (string, error) {
	var firstErr error
	resolved := varPattern.ReplaceAllStringFunc(expr, func(match string) string {
		ref := match[2 : len(match)-1]
		value, err := r.lookup(ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		raw, err := json.Marshal(value)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("unencodable value for %s: %w", match, err)
			}
			return match
		}
		return string(raw)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return resolved, nil
}

// pureReference reports whether the whole string is exactly one reference.
func pureReference(s string) (string, bool) {
	match := varPattern.FindString(s)
	if match == s && match != "" {
		return s[2 : len(s)-1], true
	}
	return "", false
}

// stringify renders a substituted value inside an interpolated string.
// Structured values render as JSON.
func stringify(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(raw)
	}
}

// metaMap exposes envelope meta for ${n.meta.x} access.
func metaMap(meta models.OutputMeta) map[string]any {
	m := map[string]any{
		"phase": string(meta.Phase),
	}
	if meta.Result != "" {
		m["result"] = string(meta.Result)
	}
	if meta.ErrorMessage != "" {
		m["error_message"] = meta.ErrorMessage
	}
	for k, v := range meta.Extra {
		m[k] = v
	}
	return m
}
