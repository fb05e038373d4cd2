// Package expr evaluates playbook expressions: conditionals (when,
// changed_when, failed_when) and variable interpolation in module params.
package expr

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"text/template"

	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
)

var simpleVarRegex = regexp.MustCompile(`^\s*\{\{\s*\.([a-zA-Z0-9_.]+)\s*\}\}\s*$`)

// Evaluator is the expression engine contract. The engine depends only on
// this interface; the default implementation is Go text/template.
type Evaluator interface {
	// Render interpolates the expression against the variables and returns
	// the resulting string.
	Render(expression string, vars map[string]interface{}) (string, error)
	// Resolve returns the typed value when the expression is a single
	// variable reference, falling back to string rendering otherwise.
	Resolve(expression string, vars map[string]interface{}) (interface{}, error)
	// EvalCondition renders the expression and interprets the result as a
	// boolean. An empty expression is true.
	EvalCondition(expression string, vars map[string]interface{}) (bool, error)
}

// GoEvaluator implements Evaluator with Go's text/template package. Parsed
// templates are cached; the struct is concurrency-safe.
type GoEvaluator struct {
	templateCache map[string]*template.Template
	mu            sync.Mutex
}

// NewGoEvaluator creates an evaluator with an empty template cache.
func NewGoEvaluator() *GoEvaluator {
	return &GoEvaluator{
		templateCache: make(map[string]*template.Template),
	}
}

// funcMap is the standard function set available in playbook expressions.
var funcMap = template.FuncMap{
	"env": os.Getenv,
	"eq": func(a, b interface{}) bool {
		return reflect.DeepEqual(a, b)
	},
	"default": func(def, value interface{}) interface{} {
		if value == nil || value == "" {
			return def
		}
		return value
	},
	"contains": strings.Contains,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
}

// Render executes a template against the given variables.
func (e *GoEvaluator) Render(expression string, vars map[string]interface{}) (string, error) {
	t, err := e.getOrParseTemplate(expression)
	if err != nil {
		return "", fferrors.NewValidationError(fmt.Sprintf("template parse error: %s", err.Error()), err)
	}

	var buf bytes.Buffer
	if execErr := t.Execute(&buf, vars); execErr != nil {
		return "", fferrors.NewValidationError(fmt.Sprintf("template execution error: %s", execErr.Error()), execErr)
	}

	return buf.String(), nil
}

// Resolve attempts to directly resolve a template variable if it is a simple
// expression, preserving the underlying type. Complex expressions fall back
// to full rendering.
func (e *GoEvaluator) Resolve(expression string, vars map[string]interface{}) (interface{}, error) {
	matches := simpleVarRegex.FindStringSubmatch(expression)
	if len(matches) == 2 {
		if value, found := lookup(vars, matches[1]); found {
			return value, nil
		}
	}
	return e.Render(expression, vars)
}

// EvalCondition evaluates a conditional expression. A bare expression such
// as `eq .tier "web"` is wrapped in delimiters before rendering. Failures
// are reported as ConditionError.
func (e *GoEvaluator) EvalCondition(expression string, vars map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	if !strings.Contains(expression, "{{") {
		expression = "{{ " + expression + " }}"
	}
	rendered, err := e.Render(expression, vars)
	if err != nil {
		return false, fferrors.NewConditionError(expression, err)
	}
	return Truthy(rendered), nil
}

// Truthy interprets a rendered expression result as a boolean. Empty strings
// and the usual negative words are false; anything else is true.
func Truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "false", "no", "off", "0", "<no value>":
		return false
	default:
		return true
	}
}

// RenderParams deep-renders a params map: every string value containing
// template delimiters is resolved against the variables, nested maps and
// slices are walked. The input map is not mutated.
func RenderParams(e Evaluator, params map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(params))
	for key, value := range params {
		rendered, err := renderValue(e, value, vars)
		if err != nil {
			return nil, fmt.Errorf("param '%s': %w", key, err)
		}
		out[key] = rendered
	}
	return out, nil
}

func renderValue(e Evaluator, value interface{}, vars map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		return e.Resolve(v, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			rendered, err := renderValue(e, item, vars)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := renderValue(e, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// getOrParseTemplate is a concurrency-safe method for parsing and caching templates.
func (e *GoEvaluator) getOrParseTemplate(expression string) (*template.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, exists := e.templateCache[expression]; exists {
		return cached, nil
	}

	t, parseErr := template.New(expression).Option("missingkey=error").Funcs(funcMap).Parse(expression)
	if parseErr != nil {
		return nil, fmt.Errorf("template parse error: %w", parseErr)
	}

	e.templateCache[expression] = t
	return t, nil
}

func lookup(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = currentMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
