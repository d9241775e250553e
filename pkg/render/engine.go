package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// stateKey is the reserved public-context key the governed tags use to find
// their per-render state. Template data must not use this key.
const stateKey = "__fhirconv_render_state__"

// Template is an immutable, pre-compiled template. It holds no per-render
// state and is safe to share across concurrent renders.
type Template struct {
	name string
	tpl  *pongo2.Template
}

// Name returns the resolution name the template was parsed under.
func (t *Template) Name() string {
	return t.name
}

// Resolver resolves a template name to a parsed template. Implementations
// must be safe for concurrent use; the governed include tag calls Resolve
// mid-render.
type Resolver interface {
	Resolve(name string) (*Template, error)
}

// renderState travels through the public render context so the governed tags
// can reach the governor and resolver from any nesting level.
type renderState struct {
	gov      *Governor
	resolver Resolver
}

var (
	setupOnce sync.Once
	parseSet  *pongo2.TemplateSet
)

func ensureEngine() {
	setupOnce.Do(func() {
		// Templates emit JSON and XML verbatim; HTML autoescaping would
		// corrupt both.
		pongo2.SetAutoescape(false)

		if err := pongo2.ReplaceTag("for", forTagParser); err != nil {
			panic(fmt.Sprintf("render: replace for tag: %v", err))
		}
		if err := pongo2.ReplaceTag("include", includeTagParser); err != nil {
			panic(fmt.Sprintf("render: replace include tag: %v", err))
		}
		registerFilters()

		parseSet = pongo2.NewSet("fhirconv", pongo2.MustNewLocalFileSystemLoader(""))
	})
}

// Parse compiles source into an immutable Template registered under name.
func Parse(name, source string) (*Template, error) {
	ensureEngine()

	tpl, err := parseSet.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("render: parse template %q: %w", name, err)
	}
	return &Template{name: name, tpl: tpl}, nil
}

// MustParse is Parse for static templates known to be well formed.
func MustParse(name, source string) *Template {
	tpl, err := Parse(name, source)
	if err != nil {
		panic(err)
	}
	return tpl
}

// RenderTemplate interprets tpl against the root data object, consulting gov
// at every loop iteration and include boundary. The root object is bound
// under the "msg" context key. Includes encountered during the render resolve
// through resolver, so layered stores keep their priority semantics for
// nested templates.
//
// An empty output with a nil error is a successful render.
func RenderTemplate(tpl *Template, root any, resolver Resolver, gov *Governor) (string, error) {
	ensureEngine()

	if tpl == nil {
		return "", errors.New("render: template is required")
	}
	if gov == nil {
		gov = NewGovernor(nil, 0)
		defer gov.Release()
	}
	if err := gov.Interrupted(); err != nil {
		return "", err
	}

	data, err := toTemplateValue(root)
	if err != nil {
		return "", fmt.Errorf("render: convert root data: %w", err)
	}

	ctx := pongo2.Context{
		"msg":    data,
		stateKey: &renderState{gov: gov, resolver: resolver},
	}

	var buf bytes.Buffer
	if err := tpl.tpl.ExecuteWriter(ctx, &buf); err != nil {
		return "", normalizeError(err)
	}
	return buf.String(), nil
}

// stateFrom pulls the per-render state out of an execution context. It is nil
// when a template is executed outside RenderTemplate.
func stateFrom(ctx *pongo2.ExecutionContext) *renderState {
	if ctx == nil || ctx.Public == nil {
		return nil
	}
	st, _ := ctx.Public[stateKey].(*renderState)
	return st
}

// normalizeError strips pongo2's error envelope down to the first cause the
// processor taxonomy cares about. Governor errors travel as the OrigError of
// one or more nested *pongo2.Error values; unwrapping here means callers can
// use errors.Is against context and governor sentinels directly.
func normalizeError(err error) error {
	for {
		perr, ok := err.(*pongo2.Error)
		if !ok || perr.OrigError == nil || perr.OrigError == err {
			return err
		}
		err = perr.OrigError
	}
}

// toTemplateValue normalizes arbitrary root data into the plain
// map/slice/scalar shape pongo2 traverses. Maps and slices pass through with
// their values normalized; anything else makes a round trip through JSON so
// struct fields become map keys with json.Number preserving digit fidelity.
func toTemplateValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			converted, err := toTemplateValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			converted, err := toTemplateValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	case string, bool, int, int32, int64, float32, float64, json.Number:
		return v, nil
	default:
		if rv := reflect.ValueOf(value); rv.Kind() == reflect.Func {
			return nil, fmt.Errorf("render: func values are not renderable")
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		return toTemplateValue(out)
	}
}
