package validation

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/rendis/chainrun/pkg/schema"
)

// stepRefPatterns match the ways a condition or ${{ }} reference can name an
// earlier step: context keys, the CEL steps list and the expr helpers.
var stepRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bstep_(\d+)_(?:success|result|error|skipped)\b`),
	regexp.MustCompile(`\bsteps\[(\d+)\]`),
	regexp.MustCompile(`\b(?:succeeded|result)\((\d+)\)`),
}

// validateReferences checks that every step reference in a conditional chain
// points at a step that runs earlier. A step can only observe its predecessors.
func validateReferences(def *schema.ChainDefinition) *Result {
	result := &Result{}
	if def.Mode != schema.ModeConditional {
		return result
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		checkRefs(step.Condition, i, len(def.Steps), path+".condition", result)
		walkStrings(step.Args, func(s string) { checkRefs(s, i, len(def.Steps), path+".args", result) })
		walkStrings(step.Kwargs, func(s string) { checkRefs(s, i, len(def.Steps), path+".kwargs", result) })
	}
	return result
}

func checkRefs(text string, index, total int, path string, result *Result) {
	if text == "" {
		return
	}
	for _, re := range stepRefPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			ref, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			switch {
			case ref >= total:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("references step %d but the chain has %d steps", ref, total))
			case ref >= index:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("references step %d, which has not run before step %d", ref, index))
			}
		}
	}
}
