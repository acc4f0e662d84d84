package plugins

import (
	"context"
	"encoding/json"

	"github.com/rendis/chainrun/internal/expressions"
	"github.com/rendis/chainrun/pkg/schema"
)

var expressionSchema = json.RawMessage(`{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 },
    "data": { "type": "object" }
  }
}`)

// exprPlugin evaluates an expression with one of the expression engines.
// Every key of kwargs.data becomes a variable for the expression.
type exprPlugin struct {
	name   string
	engine expressions.Engine
}

func (p *exprPlugin) Name() string { return p.name }

func (p *exprPlugin) Schema() Schema {
	return Schema{
		Description: "Evaluate a " + p.engine.Name() + " expression against 'data'",
		InputSchema: expressionSchema,
	}
}

func (p *exprPlugin) Invoke(ctx context.Context, req Request) (any, error) {
	expression := kwargString(req, "expression")
	if expression == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s requires non-empty 'expression'", p.name)
	}
	data, _ := req.Kwargs["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	result, err := p.engine.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

var jqSchema = json.RawMessage(`{
  "type": "object",
  "required": ["filter"],
  "properties": {
    "filter": { "type": "string", "minLength": 1 },
    "input": {},
    "all": { "type": "boolean" }
  }
}`)

// jqPlugin runs a jq filter over kwargs.input.
type jqPlugin struct {
	engine *expressions.GoJQEngine
}

func (p *jqPlugin) Name() string { return "jq" }

func (p *jqPlugin) Schema() Schema {
	return Schema{
		Description: "Transform 'input' with a jq 'filter'; 'all' collects every output",
		InputSchema: jqSchema,
	}
}

func (p *jqPlugin) Invoke(ctx context.Context, req Request) (any, error) {
	filter := kwargString(req, "filter")
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq requires non-empty 'filter'")
	}
	if all, _ := req.Kwargs["all"].(bool); all {
		return p.engine.TransformAll(ctx, filter, req.Kwargs["input"])
	}
	return p.engine.Transform(ctx, filter, req.Kwargs["input"])
}
