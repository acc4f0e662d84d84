package expressions

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/chainrun/pkg/schema"
)

// ExprEngine implements Engine using expr-lang/expr. Every key of the data map is a
// top-level variable, so chain-context conditions read naturally:
//
//	step_0_success && step_1_result == "ok"
//
// Two helpers are always available: succeeded(i) and result(i).
// Thread-safe: compiled programs are cached and reused across goroutines.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and runs it against data.
// Undefined variables evaluate to nil rather than failing.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, exprEnv(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Compile checks that expression is valid expr syntax, caching the program.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	return e.cache.get(expression, compileExpr)
}

func compileExpr(expression string) (*vm.Program, error) {
	// Only the helpers are typed; data keys stay dynamic so one compiled program
	// serves every chain regardless of payload types.
	prg, err := expr.Compile(expression,
		expr.Env(exprEnv(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

// exprEnv copies data and binds the step helpers over it.
func exprEnv(data map[string]any) map[string]any {
	env := make(map[string]any, len(data)+2)
	for k, v := range data {
		env[k] = v
	}
	env["succeeded"] = func(i int) bool {
		ok, _ := env[fmt.Sprintf("step_%d_success", i)].(bool)
		return ok
	}
	env["result"] = func(i int) any {
		return env[fmt.Sprintf("step_%d_result", i)]
	}
	return env
}

var _ Engine = (*ExprEngine)(nil)
