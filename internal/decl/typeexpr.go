package decl

import (
	"fmt"
	"strings"
	"unicode"
)

// expr is an unresolved type expression as written in a declaration file.
type expr struct {
	name        string
	args        []*expr
	subscripted bool
	list        []*expr
	isList      bool
	ellipsis    bool
}

func (e *expr) String() string {
	switch {
	case e.ellipsis:
		return "..."
	case e.isList:
		parts := make([]string, len(e.list))
		for i, x := range e.list {
			parts[i] = x.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case e.subscripted:
		parts := make([]string, len(e.args))
		for i, x := range e.args {
			parts[i] = x.String()
		}
		return e.name + "[" + strings.Join(parts, ", ") + "]"
	}
	return e.name
}

type paramExpr struct {
	name     string
	typ      *expr
	optional bool
	kind     ParamKind
}

type sigExpr struct {
	params []*paramExpr
	ret    *expr
}

// ParseError is a malformed type expression or signature.
type ParseError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q at %d: %s", e.Input, e.Pos, e.Msg)
}

type exprParser struct {
	input  string
	tokens []string
	pos    []int
	i      int
}

func tokenize(s string) ([]string, []int, error) {
	var toks []string
	var pos []int
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case strings.HasPrefix(s[i:], "..."):
			toks, pos = append(toks, "..."), append(pos, i)
			i += 3
		case strings.HasPrefix(s[i:], "->"):
			toks, pos = append(toks, "->"), append(pos, i)
			i += 2
		case strings.HasPrefix(s[i:], "**"):
			toks, pos = append(toks, "**"), append(pos, i)
			i += 2
		case strings.ContainsRune("[](),:=*", c):
			toks, pos = append(toks, string(c)), append(pos, i)
			i++
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(s) && (s[i] == '_' || s[i] == '.' || unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i]))) {
				i++
			}
			toks, pos = append(toks, s[start:i]), append(pos, start)
		default:
			return nil, nil, &ParseError{Input: s, Pos: i, Msg: fmt.Sprintf("unexpected %q", c)}
		}
	}
	return toks, pos, nil
}

func newExprParser(s string) (*exprParser, error) {
	toks, pos, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	return &exprParser{input: s, tokens: toks, pos: pos}, nil
}

func (p *exprParser) peek() string {
	if p.i < len(p.tokens) {
		return p.tokens[p.i]
	}
	return ""
}

func (p *exprParser) next() string {
	t := p.peek()
	p.i++
	return t
}

func (p *exprParser) fail(msg string) error {
	at := len(p.input)
	if p.i < len(p.pos) {
		at = p.pos[p.i]
	}
	return &ParseError{Input: p.input, Pos: at, Msg: msg}
}

func (p *exprParser) expect(tok string) error {
	if p.peek() != tok {
		return p.fail(fmt.Sprintf("expected %q, got %q", tok, p.peek()))
	}
	p.i++
	return nil
}

func isIdent(tok string) bool {
	if tok == "" {
		return false
	}
	c := rune(tok[0])
	return c == '_' || unicode.IsLetter(c)
}

func (p *exprParser) parseType() (*expr, error) {
	tok := p.peek()
	switch {
	case tok == "...":
		p.next()
		return &expr{ellipsis: true}, nil
	case tok == "[":
		p.next()
		list, err := p.parseList("]")
		if err != nil {
			return nil, err
		}
		return &expr{isList: true, list: list}, nil
	case isIdent(tok):
		p.next()
		e := &expr{name: tok}
		if p.peek() == "[" {
			p.next()
			args, err := p.parseList("]")
			if err != nil {
				return nil, err
			}
			e.subscripted = true
			e.args = args
		}
		return e, nil
	}
	return nil, p.fail(fmt.Sprintf("unexpected %q", tok))
}

func (p *exprParser) parseList(closing string) ([]*expr, error) {
	var out []*expr
	if p.peek() == closing {
		p.next()
		return out, nil
	}
	for {
		e, err := p.parseType()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.peek() == "," {
			p.next()
			continue
		}
		if err := p.expect(closing); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (p *exprParser) parseParam() (*paramExpr, error) {
	param := &paramExpr{kind: ParamPositional}
	switch p.peek() {
	case "*":
		p.next()
		param.kind = ParamStar
	case "**":
		p.next()
		param.kind = ParamStarStar
	}
	name := p.next()
	if !isIdent(name) {
		return nil, p.fail(fmt.Sprintf("bad parameter name %q", name))
	}
	param.name = name
	if p.peek() == ":" {
		p.next()
		t, err := p.parseType()
		if err != nil {
			return nil, err
		}
		param.typ = t
	}
	if p.peek() == "=" {
		p.next()
		if err := p.expect("..."); err != nil {
			return nil, err
		}
		param.optional = true
	}
	return param, nil
}

func (p *exprParser) parseSignature() (*sigExpr, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	sig := &sigExpr{}
	if p.peek() != ")" {
		for {
			param, err := p.parseParam()
			if err != nil {
				return nil, err
			}
			sig.params = append(sig.params, param)
			if p.peek() == "," {
				p.next()
				continue
			}
			break
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if p.peek() == "->" {
		p.next()
		ret, err := p.parseType()
		if err != nil {
			return nil, err
		}
		sig.ret = ret
	}
	return sig, p.end()
}

func (p *exprParser) end() error {
	if p.i != len(p.tokens) {
		return p.fail(fmt.Sprintf("trailing %q", p.peek()))
	}
	return nil
}

func parseTypeExpr(s string) (*expr, error) {
	p, err := newExprParser(s)
	if err != nil {
		return nil, err
	}
	e, err := p.parseType()
	if err != nil {
		return nil, err
	}
	return e, p.end()
}

func parseSignatureExpr(s string) (*sigExpr, error) {
	p, err := newExprParser(s)
	if err != nil {
		return nil, err
	}
	return p.parseSignature()
}

// SplitTopLevel splits s at commas that are not nested in brackets.
func SplitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" || len(parts) > 0 {
		parts = append(parts, rest)
	}
	return parts
}
