package cache

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Pattern is a compiled cache-key template. Two mutually exclusive forms are
// supported:
//
//   - positional: fmt verbs, eg "actions:count_by_target:%s:%d:%d", rendered
//     with Render
//   - named: brace references, eg "actions:get_by_target:{item.UserID}",
//     rendered with RenderNamed; dotted paths descend into struct fields and
//     string-keyed maps
//
// Key generation happens on every cached call, so compiled patterns are
// memoized per template string.
type Pattern struct {
	raw    string
	verbs  int
	chunks []chunk
}

// chunk is either a literal run of template text or a brace reference path.
type chunk struct {
	literal string
	path    []string
}

var compiled sync.Map // template string -> *Pattern

func Compile(tmpl string) (*Pattern, error) {
	if p, ok := compiled.Load(tmpl); ok {
		return p.(*Pattern), nil
	}
	p, err := compile(tmpl)
	if err != nil {
		return nil, err
	}
	compiled.Store(tmpl, p)
	return p, nil
}

func MustCompile(tmpl string) *Pattern {
	p, err := Compile(tmpl)
	if err != nil {
		panic(err)
	}
	return p
}

func compile(tmpl string) (*Pattern, error) {
	verbs := countVerbs(tmpl)
	braced := strings.Contains(tmpl, "{")
	if verbs > 0 && braced {
		return nil, fmt.Errorf("cache: mixed key template forms in %q", tmpl)
	}
	p := &Pattern{raw: tmpl, verbs: verbs}
	if !braced {
		return p, nil
	}

	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("cache: unterminated reference in key template %q", tmpl)
		}
		ref := rest[open+1 : open+closing]
		if ref == "" {
			return nil, fmt.Errorf("cache: empty reference in key template %q", tmpl)
		}
		if open > 0 {
			p.chunks = append(p.chunks, chunk{literal: rest[:open]})
		}
		p.chunks = append(p.chunks, chunk{path: strings.Split(ref, ".")})
		rest = rest[open+closing+1:]
	}
	if rest != "" {
		p.chunks = append(p.chunks, chunk{literal: rest})
	}
	return p, nil
}

func countVerbs(tmpl string) int {
	n := 0
	for i := 0; i < len(tmpl)-1; i++ {
		if tmpl[i] != '%' {
			continue
		}
		if tmpl[i+1] == '%' {
			i++
			continue
		}
		n++
	}
	return n
}

// Render fills a positional pattern. Extra arguments beyond the template's
// verb count are ignored, matching accessor signatures that carry more
// parameters than the key needs.
func (p *Pattern) Render(args ...any) string {
	if len(args) > p.verbs {
		args = args[:p.verbs]
	}
	return clean(fmt.Sprintf(p.raw, args...))
}

// RenderNamed fills a named pattern from vals. The first path element is
// looked up in vals; any remaining elements are resolved against the value by
// reflection.
func (p *Pattern) RenderNamed(vals map[string]any) (string, error) {
	if len(p.chunks) == 0 {
		return clean(p.raw), nil
	}
	var b strings.Builder
	for _, c := range p.chunks {
		if c.path == nil {
			b.WriteString(c.literal)
			continue
		}
		root, ok := vals[c.path[0]]
		if !ok {
			return "", fmt.Errorf("cache: key template %q references unknown value %q", p.raw, c.path[0])
		}
		v, err := resolvePath(root, c.path[1:])
		if err != nil {
			return "", fmt.Errorf("cache: key template %q: %w", p.raw, err)
		}
		fmt.Fprint(&b, v)
	}
	return clean(b.String()), nil
}

func resolvePath(root any, path []string) (any, error) {
	cur := reflect.ValueOf(root)
	for _, name := range path {
		for cur.Kind() == reflect.Pointer || cur.Kind() == reflect.Interface {
			if cur.IsNil() {
				return nil, fmt.Errorf("nil value at %q", name)
			}
			cur = cur.Elem()
		}
		switch cur.Kind() {
		case reflect.Struct:
			f := cur.FieldByName(name)
			if !f.IsValid() {
				return nil, fmt.Errorf("no field %q on %s", name, cur.Type())
			}
			cur = f
		case reflect.Map:
			k := reflect.ValueOf(name)
			if !k.Type().AssignableTo(cur.Type().Key()) {
				return nil, fmt.Errorf("cannot index %s with %q", cur.Type(), name)
			}
			v := cur.MapIndex(k)
			if !v.IsValid() {
				return nil, fmt.Errorf("no entry %q in %s", name, cur.Type())
			}
			cur = v
		default:
			return nil, fmt.Errorf("cannot descend into %s at %q", cur.Kind(), name)
		}
	}
	return cur.Interface(), nil
}

// Rendered keys never contain spaces; the store treats them as delimiters.
func clean(key string) string {
	return strings.ReplaceAll(key, " ", "_")
}
