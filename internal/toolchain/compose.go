package toolchain

import (
	"fmt"
	"strings"
)

// Compose computes the ordered flag sequence for one action.
//
// Features are visited in declaration order, and within a feature its flag
// sets and groups in declaration order; that order is the flag precedence the
// orchestrator relies on. A flag whose variable is absent is left out without
// error. The output is a pure function of the inputs: the orchestrator uses the
// resulting command lines as cache keys.
func Compose(features []Feature, action Action, active FeatureSet, vars Variables) []string {
	var out []string
	for _, f := range features {
		if !active.Has(f.Name) || !f.Condition.Satisfied(active) {
			continue
		}
		for _, fs := range f.FlagSets {
			if !fs.AppliesTo(action) || !fs.Condition.Satisfied(active) {
				continue
			}
			for _, g := range fs.Groups {
				out = expandGroup(g, vars, nil, out)
			}
		}
	}
	return out
}

func expandGroup(g FlagGroup, vars Variables, bound map[string]string, out []string) []string {
	if g.ExpandIfAvailable != "" && !available(g.ExpandIfAvailable, vars, bound) {
		return out
	}

	parsed := make([][]segment, 0, len(g.Flags))
	for _, flag := range g.Flags {
		parsed = append(parsed, parseLenient(flag))
	}

	iter := g.IterateOver
	if iter == "" {
		iter = firstListRef(parsed, vars, bound)
	}
	if iter == "" {
		for _, segs := range parsed {
			out = expandFlag(segs, vars, bound, out)
		}
		return out
	}

	if _, ok := bound[iter]; ok {
		// Already bound by an enclosing iteration: emit once.
		for _, segs := range parsed {
			out = expandFlag(segs, vars, bound, out)
		}
		return out
	}
	v, ok := vars[iter]
	if !ok {
		return out
	}
	for _, item := range v.Items() {
		inner := make(map[string]string, len(bound)+1)
		for k, val := range bound {
			inner[k] = val
		}
		inner[iter] = item
		for _, segs := range parsed {
			out = expandFlag(segs, vars, inner, out)
		}
	}
	return out
}

// expandFlag renders one template. Unbound list references fan the flag out
// once per element, in order; several distinct lists fan out as a product.
func expandFlag(segs []segment, vars Variables, bound map[string]string, out []string) []string {
	for _, s := range segs {
		if s.ref != "" && !available(s.ref, vars, bound) {
			return out
		}
	}
	for _, s := range segs {
		if s.ref == "" {
			continue
		}
		if _, ok := bound[s.ref]; ok {
			continue
		}
		if v := vars[s.ref]; v.IsList() {
			for _, item := range v.Items() {
				inner := make(map[string]string, len(bound)+1)
				for k, val := range bound {
					inner[k] = val
				}
				inner[s.ref] = item
				out = expandFlag(segs, vars, inner, out)
			}
			return out
		}
	}

	var b strings.Builder
	for _, s := range segs {
		if s.ref == "" {
			b.WriteString(s.text)
			continue
		}
		if val, ok := bound[s.ref]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(vars[s.ref].Scalar())
		}
	}
	return append(out, b.String())
}

func available(name string, vars Variables, bound map[string]string) bool {
	if _, ok := bound[name]; ok {
		return true
	}
	_, ok := vars[name]
	return ok
}

func firstListRef(parsed [][]segment, vars Variables, bound map[string]string) string {
	for _, segs := range parsed {
		for _, s := range segs {
			if s.ref == "" {
				continue
			}
			if _, ok := bound[s.ref]; ok {
				continue
			}
			if v, ok := vars[s.ref]; ok && v.IsList() {
				return s.ref
			}
		}
	}
	return ""
}

// segment is either literal text or a variable reference.
type segment struct {
	text string
	ref  string
}

// parseTemplate splits a flag template into segments, rejecting malformed ones.
func parseTemplate(tmpl string) ([]segment, error) {
	var segs []segment
	var lit strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' {
			lit.WriteByte(c)
			continue
		}
		if i+1 >= len(tmpl) {
			return nil, fmt.Errorf("flag %q: trailing %%", tmpl)
		}
		switch tmpl[i+1] {
		case '%':
			lit.WriteByte('%')
			i++
		case '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("flag %q: unterminated variable reference", tmpl)
			}
			name := tmpl[i+2 : i+2+end]
			if name == "" {
				return nil, fmt.Errorf("flag %q: empty variable name", tmpl)
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{text: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{ref: name})
			i += 2 + end
		default:
			return nil, fmt.Errorf("flag %q: %% must be followed by { or %%", tmpl)
		}
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{text: lit.String()})
	}
	return segs, nil
}

// parseLenient is used on the hot path, where templates were validated when
// the descriptor was built. Anything malformed is kept as literal text.
func parseLenient(tmpl string) []segment {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return []segment{{text: tmpl}}
	}
	return segs
}

// References lists the variable names a template refers to, in order.
func References(tmpl string) ([]string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, s := range segs {
		if s.ref != "" {
			refs = append(refs, s.ref)
		}
	}
	return refs, nil
}
