package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var programCache = sync.Map{}

// Evaluate compiles and runs a CEL expression against the provided
// attribute map. Every map entry is exposed as a top-level Dyn variable.
// The expression must produce a boolean.
func Evaluate(expression string, attrs map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("expression must not be empty")
	}

	if attrs == nil {
		attrs = map[string]any{}
	}

	program, err := getOrBuildProgram(expression, attrs)
	if err != nil {
		return false, err
	}

	result, _, err := program.Eval(attrs)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	boolean, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return a boolean, got %T", result.Value())
	}

	return boolean, nil
}

func ValidateExpression(expression string, attrs map[string]any) error {
	env, err := buildEnv(attrs)
	if err != nil {
		return err
	}

	_, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	return nil
}

func getOrBuildProgram(expression string, attrs map[string]any) (cel.Program, error) {
	if v, ok := programCache.Load(expression); ok {
		return v.(cel.Program), nil
	}

	env, err := buildEnv(attrs)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	programCache.Store(expression, program)
	return program, nil
}

func buildEnv(attrs map[string]any) (*cel.Env, error) {
	variables := make([]cel.EnvOption, 0, len(attrs))
	for key := range attrs {
		variables = append(variables, cel.Variable(key, cel.DynType))
	}

	env, err := cel.NewEnv(variables...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}
