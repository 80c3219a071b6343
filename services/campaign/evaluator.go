package campaign

import (
	"context"

	"nova-core/pkg/celengine"
)

// Evaluator matches a qualifying session event against a campaign's
// targeting rules. Rule authoring lives with an external collaborator;
// the CEL binding below is the default in-process implementation.
type Evaluator interface {
	Matches(ctx context.Context, expression string, attrs map[string]any) (bool, error)
}

type celEvaluator struct{}

func NewCELEvaluator() Evaluator {
	return celEvaluator{}
}

// Matches treats an empty expression as "no targeting": every verified
// event qualifies.
func (celEvaluator) Matches(ctx context.Context, expression string, attrs map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	return celengine.Evaluate(expression, attrs)
}
