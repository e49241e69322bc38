// Package router converts raw model output into a validated tool call or a
// plain reply. It never fails: every parse path yields a ToolCall.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

var (
	thinkBlockRE = regexp.MustCompile(`(?s)<think>.*?</think>`)
	fenceRE      = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
)

var (
	ErrMalformed       = errors.New("malformed structured payload")
	ErrUnknownFunction = errors.New("function not in allow-list")
	ErrInvalidArgs     = errors.New("invalid arguments")
)

// ParseFailure explains why output degraded to a plain reply.
type ParseFailure struct {
	Kind   error
	Detail string
}

func (e *ParseFailure) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *ParseFailure) Unwrap() error { return e.Kind }

type Router struct {
	reg *Registry
	log *zap.Logger
}

func New(reg *Registry, log *zap.Logger) *Router {
	if reg == nil {
		reg = NewRegistry(DefaultTools()...)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{reg: reg, log: log}
}

func (r *Router) Registry() *Registry { return r.reg }

// Route is Parse without the diagnostic.
func (r *Router) Route(output string) entities.ToolCall {
	call, err := r.Parse(output)
	if err != nil {
		r.log.Debug("model output degraded to reply", zap.Error(err))
	}
	return call
}

// Parse returns the routed call and, when the output was rejected, a *ParseFailure.
// On failure the call is ToolNone with Text set to the untouched output.
func (r *Router) Parse(output string) (entities.ToolCall, error) {
	fail := func(kind error, format string, a ...any) (entities.ToolCall, error) {
		return entities.ToolCall{Name: entities.ToolNone, Text: output},
			&ParseFailure{Kind: kind, Detail: fmt.Sprintf(format, a...)}
	}

	text := Sanitize(output)
	body := text
	if m := fenceRE.FindStringSubmatch(text); m != nil {
		body = strings.TrimSpace(m[1])
	}

	obj, err := findObject(body)
	if err != nil {
		return fail(ErrMalformed, "%v", err)
	}
	if obj == nil {
		return entities.ToolCall{Name: entities.ToolNone, Text: text}, nil
	}

	name, rawArgs, isCall := extractCall(obj)
	message, _ := obj["message"].(string)
	if !isCall {
		if message != "" {
			return entities.ToolCall{Name: entities.ToolNone, Text: message}, nil
		}
		return fail(ErrMalformed, "object names no function")
	}
	if name == "" || name == string(entities.ToolNone) {
		// An explicit no-op without a message is an empty reply, not the JSON.
		return entities.ToolCall{Name: entities.ToolNone, Text: message}, nil
	}

	tool, ok := r.reg.Lookup(entities.ToolName(name))
	if !ok {
		return fail(ErrUnknownFunction, "%q", name)
	}
	args, err := decodeArgs(rawArgs)
	if err != nil {
		return fail(ErrMalformed, "%s arguments: %v", name, err)
	}
	if err := tool.validate(args); err != nil {
		return fail(ErrInvalidArgs, "%v", err)
	}
	return entities.ToolCall{Name: tool.Name, Arguments: args, Text: message}, nil
}

// Sanitize drops <think> blocks and surrounding whitespace.
func Sanitize(s string) string {
	return strings.TrimSpace(thinkBlockRE.ReplaceAllString(s, ""))
}

// findObject returns the structured payload in body. A body that is itself
// an object must decode; an object embedded in prose is only taken when it
// carries a call key. Plain text returns (nil, nil).
func findObject(body string) (map[string]any, error) {
	if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
		var v any
		if err := json.NewDecoder(strings.NewReader(body)).Decode(&v); err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case map[string]any:
			return t, nil
		case []any:
			// a bare tool_calls array
			return map[string]any{"tool_calls": t}, nil
		default:
			return nil, fmt.Errorf("unexpected top-level %T", v)
		}
	}
	for i := strings.IndexByte(body, '{'); i >= 0; {
		var m map[string]any
		if err := json.NewDecoder(strings.NewReader(body[i:])).Decode(&m); err == nil && hasCallKey(m) {
			return m, nil
		}
		next := strings.IndexByte(body[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, nil
}

func hasCallKey(m map[string]any) bool {
	for _, k := range []string{"call", "function", "tool_calls", "name"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// extractCall reads the function name and raw arguments from any accepted shape.
func extractCall(m map[string]any) (name string, args any, ok bool) {
	if calls, isList := m["tool_calls"].([]any); isList {
		if len(calls) == 0 {
			return "", nil, false
		}
		first, isObj := calls[0].(map[string]any)
		if !isObj {
			return "", nil, false
		}
		return extractCall(first)
	}
	switch fn := m["function"].(type) {
	case map[string]any:
		n, _ := fn["name"].(string)
		return n, firstOf(fn, "arguments", "parameters", "args"), true
	case string:
		return fn, firstOf(m, "arguments", "parameters", "args"), true
	}
	for _, key := range []string{"call", "name"} {
		if v, present := m[key]; present {
			n, isStr := v.(string)
			if !isStr {
				return "", nil, false
			}
			return n, firstOf(m, "arguments", "parameters", "args"), true
		}
	}
	return "", nil, false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func decodeArgs(raw any) (map[string]any, error) {
	switch a := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return a, nil
	case string:
		if strings.TrimSpace(a) == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(a), &m); err != nil {
			return nil, err
		}
		if m == nil {
			m = map[string]any{}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("arguments must be an object, got %T", raw)
	}
}
