package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Renderer substitutes {{ variable.path }} placeholders (with optional
// |filters) and evaluates {% if %} / {% for %} blocks against an execution
// context. Missing variables render as an empty string, never an error:
// message delivery must not fail because an optional variable is unset.
type Renderer struct {
	engine *ExprEngine
}

// NewRenderer creates a Renderer backed by the given expression engine.
func NewRenderer(engine *ExprEngine) *Renderer {
	return &Renderer{engine: engine}
}

// Render evaluates a template against the context and returns the result.
// Malformed templates degrade gracefully: unparseable fragments are logged
// and emitted as-is.
func (r *Renderer) Render(tpl string, fc *Context) string {
	if !strings.Contains(tpl, "{{") && !strings.Contains(tpl, "{%") {
		return tpl
	}
	nodes, err := parseTemplate(tpl)
	if err != nil {
		slog.Error("Renderer parse failed, emitting template as-is", "error", err)
		return tpl
	}
	var b strings.Builder
	r.renderNodes(&b, nodes, newScope(fc))
	return b.String()
}

// Value evaluates a template that consists of exactly one placeholder and
// returns the raw context value (list, map, number) instead of its string
// form. Anything else falls back to Render. Action field templates use this
// so captured numbers and query results keep their native types.
func (r *Renderer) Value(tpl string, fc *Context) any {
	trimmed := strings.TrimSpace(tpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.Contains(inner, "{{") {
			v, _ := r.resolveChain(inner, newScope(fc))
			return v
		}
	}
	return r.Render(tpl, fc)
}

// template node kinds

type node interface{}

type textNode struct{ text string }

type outputNode struct{ expr string }

type ifBranch struct {
	cond string
	body []node
}

type ifNode struct {
	branches []ifBranch // if + elifs, in order
	elseBody []node
}

type forNode struct {
	varName  string
	listExpr string
	body     []node
}

var tagRe = regexp.MustCompile(`{{\s*(.*?)\s*}}|{%\s*(.*?)\s*%}`)

// parseTemplate tokenizes and builds the node tree for a template.
func parseTemplate(tpl string) ([]node, error) {
	type frame struct {
		nodes  []node
		ifn    *ifNode  // open if block, if any
		forn   *forNode // open for block, if any
		inElse bool
	}
	stack := []*frame{{}}
	push := func(n node) {
		top := stack[len(stack)-1]
		if top.ifn != nil {
			if top.inElse {
				top.ifn.elseBody = append(top.ifn.elseBody, n)
			} else {
				br := &top.ifn.branches[len(top.ifn.branches)-1]
				br.body = append(br.body, n)
			}
			return
		}
		if top.forn != nil {
			top.forn.body = append(top.forn.body, n)
			return
		}
		top.nodes = append(top.nodes, n)
	}

	pos := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(tpl, -1) {
		if loc[0] > pos {
			push(textNode{text: tpl[pos:loc[0]]})
		}
		pos = loc[1]
		if loc[2] >= 0 { // {{ output }}
			push(outputNode{expr: tpl[loc[2]:loc[3]]})
			continue
		}
		tag := strings.TrimSpace(tpl[loc[4]:loc[5]])
		switch {
		case strings.HasPrefix(tag, "if "):
			stack = append(stack, &frame{ifn: &ifNode{branches: []ifBranch{{cond: strings.TrimSpace(tag[3:])}}}})
		case strings.HasPrefix(tag, "elif "):
			top := stack[len(stack)-1]
			if top.ifn == nil || top.inElse {
				return nil, fmt.Errorf("unexpected elif")
			}
			top.ifn.branches = append(top.ifn.branches, ifBranch{cond: strings.TrimSpace(tag[5:])})
		case tag == "else":
			top := stack[len(stack)-1]
			if top.ifn == nil || top.inElse {
				return nil, fmt.Errorf("unexpected else")
			}
			top.inElse = true
		case tag == "endif":
			top := stack[len(stack)-1]
			if top.ifn == nil {
				return nil, fmt.Errorf("endif without if")
			}
			stack = stack[:len(stack)-1]
			push(*top.ifn)
		case strings.HasPrefix(tag, "for "):
			parts := strings.SplitN(strings.TrimSpace(tag[4:]), " in ", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed for tag %q", tag)
			}
			stack = append(stack, &frame{forn: &forNode{
				varName:  strings.TrimSpace(parts[0]),
				listExpr: strings.TrimSpace(parts[1]),
			}})
		case tag == "endfor":
			top := stack[len(stack)-1]
			if top.forn == nil {
				return nil, fmt.Errorf("endfor without for")
			}
			stack = stack[:len(stack)-1]
			push(*top.forn)
		default:
			return nil, fmt.Errorf("unknown tag %q", tag)
		}
	}
	if pos < len(tpl) {
		push(textNode{text: tpl[pos:]})
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("unclosed block")
	}
	return stack[0].nodes, nil
}

// scope is the context plus local bindings introduced by for loops.
type scope struct {
	fc     *Context
	locals map[string]any
}

func newScope(fc *Context) *scope {
	return &scope{fc: fc}
}

func (s *scope) child(name string, value any, loop map[string]any) *scope {
	locals := make(map[string]any, len(s.locals)+2)
	for k, v := range s.locals {
		locals[k] = v
	}
	locals[name] = value
	locals["loop"] = loop
	return &scope{fc: s.fc, locals: locals}
}

// env merges the context map with loop-local bindings for expression evaluation.
func (s *scope) env() map[string]any {
	base := s.fc.Map()
	if len(s.locals) == 0 {
		return base
	}
	env := make(map[string]any, len(base)+len(s.locals))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range s.locals {
		env[k] = v
	}
	return env
}

// lookup resolves a bare dotted path, checking loop locals before the context.
func (s *scope) lookup(path string) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	if local, ok := s.locals[head]; ok {
		if rest == "" {
			return local, true
		}
		return ContextFromMap(map[string]any{head: local}).Get(path)
	}
	return s.fc.Get(path)
}

func (r *Renderer) renderNodes(b *strings.Builder, nodes []node, sc *scope) {
	for _, n := range nodes {
		switch t := n.(type) {
		case textNode:
			b.WriteString(t.text)
		case outputNode:
			v, _ := r.resolveChain(t.expr, sc)
			b.WriteString(Stringify(v))
		case ifNode:
			rendered := false
			for _, br := range t.branches {
				if r.evalCond(br.cond, sc) {
					r.renderNodes(b, br.body, sc)
					rendered = true
					break
				}
			}
			if !rendered {
				r.renderNodes(b, t.elseBody, sc)
			}
		case forNode:
			items := asList(r.resolveValue(t.listExpr, sc))
			for i, item := range items {
				loop := map[string]any{"index": i + 1, "index0": i, "first": i == 0, "last": i == len(items)-1}
				r.renderNodes(b, t.body, sc.child(t.varName, item, loop))
			}
		}
	}
}

func (r *Renderer) evalCond(cond string, sc *scope) bool {
	v, err := r.resolveChain(cond, sc)
	if err != nil {
		return false
	}
	return Truthy(v)
}

// resolveChain evaluates "expr | filter(args) | filter" placeholders.
func (r *Renderer) resolveChain(chain string, sc *scope) (any, error) {
	parts := splitOutside(chain, '|')
	value := r.resolveValue(strings.TrimSpace(parts[0]), sc)
	for _, part := range parts[1:] {
		name, args := parseFilter(strings.TrimSpace(part), r, sc)
		fn, ok := filters[name]
		if !ok {
			slog.Warn("Renderer unknown filter", "filter", name)
			continue
		}
		value = fn(value, args)
	}
	return value, nil
}

// resolveValue evaluates a single placeholder expression: literals and bare
// dotted paths directly, anything else through the expression engine.
func (r *Renderer) resolveValue(expression string, sc *scope) any {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil
	}
	if lit, ok := parseLiteral(expression); ok {
		return lit
	}
	if IsBarePath(expression) {
		v, _ := sc.lookup(expression)
		return v
	}
	out, err := r.engine.Eval(expression, sc.env())
	if err != nil {
		slog.Debug("Renderer expression failed, rendering empty", "expression", expression, "error", err)
		return nil
	}
	return out
}

func parseLiteral(s string) (any, bool) {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1], true
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, true
	}
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return nil, false
}

// parseFilter splits "replace('a', 'b')" into its name and evaluated args.
func parseFilter(s string, r *Renderer, sc *scope) (string, []any) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return s, nil
	}
	name := strings.TrimSpace(s[:open])
	var args []any
	for _, raw := range splitOutside(s[open+1:len(s)-1], ',') {
		args = append(args, r.resolveValue(strings.TrimSpace(raw), sc))
	}
	return name, args
}

// splitOutside splits on sep outside quotes and parentheses.
func splitOutside(s string, sep byte) []string {
	var parts []string
	var depth int
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return []any{v}
	}
}

// filterFunc transforms a value; args come from the filter's argument list.
type filterFunc func(v any, args []any) any

var filters = map[string]filterFunc{
	"title": func(v any, _ []any) any {
		return titleCase(Stringify(v))
	},
	"upper": func(v any, _ []any) any {
		return strings.ToUpper(Stringify(v))
	},
	"lower": func(v any, _ []any) any {
		return strings.ToLower(Stringify(v))
	},
	"trim": func(v any, _ []any) any {
		return strings.TrimSpace(Stringify(v))
	},
	"replace": func(v any, args []any) any {
		if len(args) < 2 {
			return v
		}
		return strings.ReplaceAll(Stringify(v), Stringify(args[0]), Stringify(args[1]))
	},
	"default": func(v any, args []any) any {
		if Truthy(v) || len(args) == 0 {
			return v
		}
		return args[0]
	},
	"length": func(v any, _ []any) any {
		switch t := v.(type) {
		case nil:
			return 0
		case string:
			return len(t)
		case []any:
			return len(t)
		case map[string]any:
			return len(t)
		default:
			return 1
		}
	},
	"join": func(v any, args []any) any {
		sep := ", "
		if len(args) > 0 {
			sep = Stringify(args[0])
		}
		items := asList(v)
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, sep)
	},
	"money": func(v any, _ []any) any {
		f, ok := toFloat(v)
		if !ok {
			return Stringify(v)
		}
		return fmt.Sprintf("$%.2f", f)
	},
	"date": func(v any, args []any) any {
		layout := "02 Jan 2006"
		if len(args) > 0 {
			layout = Stringify(args[0])
		}
		t, ok := toTime(v)
		if !ok {
			return Stringify(v)
		}
		return t.Format(layout)
	},
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		return time.Unix(t, 0), true
	case float64:
		return time.Unix(int64(t), 0), true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
