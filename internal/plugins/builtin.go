package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/chainrun/internal/expressions"
	"github.com/rendis/chainrun/pkg/schema"
)

// Builtins returns the plugins every chainrun instance ships with.
func Builtins() ([]Plugin, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("builtins: %w", err)
	}
	return []Plugin{
		&echoPlugin{},
		&delayPlugin{},
		&failPlugin{},
		&assertPlugin{},
		&exprPlugin{name: "expr", engine: expressions.NewExprEngine()},
		&exprPlugin{name: "cel", engine: celEngine},
		&jqPlugin{engine: expressions.NewGoJQEngine()},
		&cryptoPlugin{},
		NewHTTPPlugin(HTTPConfig{}),
	}, nil
}

// RegisterBuiltins registers all built-in plugins in reg.
func RegisterBuiltins(reg *Registry) error {
	all, err := Builtins()
	if err != nil {
		return err
	}
	for _, p := range all {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func kwarg(req Request, key string) (any, bool) {
	v, ok := req.Kwargs[key]
	return v, ok
}

func kwargString(req Request, key string) string {
	s, _ := req.Kwargs[key].(string)
	return s
}

// --- echo ---

type echoPlugin struct{}

func (p *echoPlugin) Name() string { return "echo" }

func (p *echoPlugin) Schema() Schema {
	return Schema{Description: "Return the invocation's operation, args and kwargs unchanged"}
}

func (p *echoPlugin) Invoke(_ context.Context, req Request) (any, error) {
	args := req.Args
	if args == nil {
		args = []any{}
	}
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return map[string]any{
		"operation": req.Operation,
		"args":      args,
		"kwargs":    kwargs,
	}, nil
}

// --- delay ---

var delaySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
    "result": {},
    "fail": { "type": "boolean" }
  },
  "additionalProperties": false
}`)

type delayPlugin struct{}

func (p *delayPlugin) Name() string { return "delay" }

func (p *delayPlugin) Schema() Schema {
	return Schema{
		Description: "Sleep for a duration, then return 'result' (or fail when 'fail' is true)",
		InputSchema: delaySchema,
	}
}

func (p *delayPlugin) Invoke(ctx context.Context, req Request) (any, error) {
	raw := kwargString(req, "duration")
	if raw == "" && len(req.Args) > 0 {
		raw, _ = req.Args[0].(string)
	}
	d, err := schema.ParseOptionalDuration(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay: invalid duration %q", raw).WithCause(err)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if fail, _ := req.Kwargs["fail"].(bool); fail {
		return nil, fmt.Errorf("delay: failed after %s", d)
	}
	if v, ok := kwarg(req, "result"); ok {
		return v, nil
	}
	return map[string]any{"slept": d.String()}, nil
}

// --- fail ---

type failPlugin struct{}

func (p *failPlugin) Name() string { return "fail" }

func (p *failPlugin) Schema() Schema {
	return Schema{Description: "Always fail with 'message' (default \"step failed\")"}
}

func (p *failPlugin) Invoke(_ context.Context, req Request) (any, error) {
	msg := kwargString(req, "message")
	if msg == "" {
		msg = "step failed"
	}
	if code := kwargString(req, "code"); code != "" {
		return nil, schema.NewError(code, msg)
	}
	return nil, schema.NewError(schema.ErrCodeStepFailed, msg)
}

// --- assert ---

type assertPlugin struct{}

func (p *assertPlugin) Name() string { return "assert" }

func (p *assertPlugin) Schema() Schema {
	return Schema{
		Description: "Check a value: equals (expected/actual), contains (haystack/needle), matches (value/pattern), truthy (value)",
		Operations:  []string{"equals", "contains", "matches", "truthy"},
	}
}

func (p *assertPlugin) Invoke(_ context.Context, req Request) (any, error) {
	var (
		ok  bool
		err error
	)
	switch req.Operation {
	case "equals", schema.DefaultOperation:
		ok = reflect.DeepEqual(normalizeJSON(req.Kwargs["expected"]), normalizeJSON(req.Kwargs["actual"]))
	case "contains":
		ok, err = contains(req.Kwargs["haystack"], req.Kwargs["needle"])
	case "matches":
		var re *regexp.Regexp
		re, err = regexp.Compile(kwargString(req, "pattern"))
		if err == nil {
			ok = re.MatchString(fmt.Sprint(req.Kwargs["value"]))
		}
	case "truthy":
		ok = truthy(req.Kwargs["value"])
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: unknown operation %q", req.Operation)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.%s: %s", req.Operation, err.Error()).WithCause(err)
	}
	if !ok {
		msg := kwargString(req, "message")
		if msg == "" {
			msg = fmt.Sprintf("assertion %s failed", req.Operation)
		}
		return nil, schema.NewError(schema.ErrCodeStepFailed, msg).WithDetails(req.Kwargs)
	}
	return map[string]any{"pass": true}, nil
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("needle must be a string when haystack is a string")
		}
		return strings.Contains(h, n), nil
	case []any:
		want := normalizeJSON(needle)
		for _, item := range h {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("needle must be a string when haystack is an object")
		}
		_, found := h[key]
		return found, nil
	}
	return false, fmt.Errorf("haystack must be a string, array or object, got %T", haystack)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// normalizeJSON converts Go numeric types to float64 so DeepEqual works across
// values decoded from JSON and values built in Go.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}
