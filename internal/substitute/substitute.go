// Package substitute rewrites job-graph templates by replacing named
// placeholders with typed, user-supplied or default values.
//
// Two strategies are provided. Apply performs the historical textual
// substitution: the graph is serialized to JSON, tokens are replaced in the
// serialized text, and the result is parsed back. Numeric kinds replace the
// quoted token with an unquoted literal; textual kinds replace the bare
// token wherever it appears, without escaping. Existing templates depend on
// this behavior, including its ability to inject into already-quoted
// strings. ApplyTree is the safe alternative that matches tokens only at
// string-leaf positions of the document.
package substitute

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/atelier-ai/atelier/pkg/models"
)

// MalformedTemplateError reports that substitution produced output that is
// no longer valid JSON. This is a template-authoring fault, not a caller
// fault.
type MalformedTemplateError struct {
	Err error
}

func (e *MalformedTemplateError) Error() string {
	return "substitute: job graph invalid after substitution: " + e.Err.Error()
}

func (e *MalformedTemplateError) Unwrap() error { return e.Err }

// Apply substitutes every field spec's placeholder into the graph using
// textual replacement. The value is the caller's input when present, the
// spec's default otherwise, coerced by the field kind. Fields are processed
// in lexical token order so the output is deterministic. Placeholders with
// no matching spec pass through unchanged.
func Apply(graph map[string]any, fields map[string]models.FieldSpec, inputs map[string]any) (map[string]any, error) {
	text, err := marshalGraph(graph)
	if err != nil {
		return nil, err
	}

	for _, name := range sortedFieldNames(fields) {
		spec := fields[name]
		raw, ok := inputs[name]
		if !ok {
			raw = spec.Default
		}

		switch spec.Kind {
		case models.FieldNumber:
			// The placeholder appears as a JSON string literal; the
			// replacement drops the quotes to yield a numeric literal.
			text = strings.ReplaceAll(text, `"`+name+`"`, strconv.Itoa(coerceInt(raw)))
		case models.FieldFloat:
			text = strings.ReplaceAll(text, `"`+name+`"`, formatFloat(coerceFloat(raw)))
		default:
			text = strings.ReplaceAll(text, name, coerceString(raw))
		}
	}

	return unmarshalGraph(text)
}

// ReplaceTokens performs a plain textual replacement of reserved tokens
// (client correlation id, execution id) using the same mechanism as Apply.
func ReplaceTokens(graph map[string]any, tokens map[string]string) (map[string]any, error) {
	text, err := marshalGraph(graph)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tokens))
	for name := range tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		text = strings.ReplaceAll(text, name, tokens[name])
	}

	return unmarshalGraph(text)
}

// ApplyTree is the tree-walking substitution. A string leaf that exactly
// equals a placeholder token becomes the typed value for that field; tokens
// embedded inside longer string leaves are replaced with the stringified
// value. Non-string positions are never touched, so no injection or
// accidental collision with keys is possible.
func ApplyTree(graph map[string]any, fields map[string]models.FieldSpec, inputs map[string]any) (map[string]any, error) {
	names := sortedFieldNames(fields)
	out := walkNode(graph, names, fields, inputs)
	result, ok := out.(map[string]any)
	if !ok {
		return nil, &MalformedTemplateError{Err: errNotObject}
	}
	return result, nil
}

var errNotObject = strconvError("job graph root is not an object")

type strconvError string

func (e strconvError) Error() string { return string(e) }

func walkNode(node any, names []string, fields map[string]models.FieldSpec, inputs map[string]any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = walkNode(child, names, fields, inputs)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = walkNode(child, names, fields, inputs)
		}
		return out
	case string:
		return substituteLeaf(v, names, fields, inputs)
	default:
		return v
	}
}

func substituteLeaf(leaf string, names []string, fields map[string]models.FieldSpec, inputs map[string]any) any {
	if spec, ok := fields[leaf]; ok {
		raw, present := inputs[leaf]
		if !present {
			raw = spec.Default
		}
		switch spec.Kind {
		case models.FieldNumber:
			return coerceInt(raw)
		case models.FieldFloat:
			return coerceFloat(raw)
		default:
			return coerceString(raw)
		}
	}

	for _, name := range names {
		if !strings.Contains(leaf, name) {
			continue
		}
		spec := fields[name]
		raw, present := inputs[name]
		if !present {
			raw = spec.Default
		}
		var repl string
		switch spec.Kind {
		case models.FieldNumber:
			repl = strconv.Itoa(coerceInt(raw))
		case models.FieldFloat:
			repl = formatFloat(coerceFloat(raw))
		default:
			repl = coerceString(raw)
		}
		leaf = strings.ReplaceAll(leaf, name, repl)
	}
	return leaf
}

func marshalGraph(graph map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(graph); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func unmarshalGraph(text string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &MalformedTemplateError{Err: err}
	}
	return out, nil
}

// sortedFieldNames fixes the iteration order; map order would make the
// textual pass nondeterministic when token replacements overlap.
func sortedFieldNames(fields map[string]models.FieldSpec) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func coerceInt(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func coerceFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// formatFloat renders a float-kind value as a JSON numeric literal with an
// explicit decimal point, so a zero default substitutes as 0.0.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
