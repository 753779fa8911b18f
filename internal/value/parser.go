package value

import "fmt"

// Expr is a parsed, reusable expression.
type Expr struct {
	root Node
	src  string
}

// Parse compiles an expression string into an Expr.
func Parse(src string) (*Expr, error) {
	lx := newLexer(src)
	toks, err := lx.tokens()
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", src, err)
	}
	p := &parser{toks: toks}
	n, err := p.parseTernary()
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", src, err)
	}
	if !p.at(tokEOF) {
		return nil, fmt.Errorf("parsing %q: unexpected trailing token %q", src, p.cur().text)
	}
	return &Expr{root: n, src: src}, nil
}

// Eval evaluates the expression against scope.
func (e *Expr) Eval(scope *Scope) (Value, error) {
	return e.root.Eval(scope)
}

// MustParse parses src and panics on error; intended for literal
// expressions embedded in generated code/tests, never for user input.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) at(k tokenKind) bool { return p.cur().kind == k }
func (p *parser) atPunct(s string) bool {
	return p.cur().kind == tokPunct && p.cur().text == s
}
func (p *parser) atIdent(s string) bool {
	return p.cur().kind == tokIdent && p.cur().text == s
}
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}
func (p *parser) expectPunct(s string) error {
	if !p.atPunct(s) {
		return fmt.Errorf("expected %q, got %q", s, p.cur().text)
	}
	p.advance()
	return nil
}

// ternary := pipe ('if' pipe 'else' ternary)?
func (p *parser) parseTernary() (Node, error) {
	then, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	if p.atIdent("if") {
		p.advance()
		cond, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		if !p.atIdent("else") {
			return nil, fmt.Errorf("expected 'else' in conditional expression")
		}
		p.advance()
		elseExpr, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		return ternaryNode{thenExpr: then, cond: cond, elseExpr: elseExpr}, nil
	}
	return then, nil
}

// pipe := orExpr ('|' IDENT ('(' args ')')? )*
func (p *parser) parsePipe() (Node, error) {
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.atPunct("|") {
		p.advance()
		if !p.at(tokIdent) {
			return nil, fmt.Errorf("expected filter name after '|'")
		}
		name := p.advance().text
		var args []Node
		if p.atPunct("(") {
			p.advance()
			args, err = p.parseArgs()
			if err != nil {
				return nil, err
			}
		}
		n = pipeNode{x: n, name: name, args: args}
	}
	return n, nil
}

func (p *parser) parseOr() (Node, error) {
	n, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atPunct("||") {
		p.advance()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: "||", l: n, r: r}
	}
	return n, nil
}

func (p *parser) parseAnd() (Node, error) {
	n, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atPunct("&&") {
		p.advance()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: "&&", l: n, r: r}
	}
	return n, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.atPunct("!") {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "!", x: x}, nil
	}
	return p.parseDefault()
}

func (p *parser) parseDefault() (Node, error) {
	n, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.atPunct(":-") {
		p.advance()
		dflt, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		return defaultNode{x: n, dflt: dflt}, nil
	}
	return n, nil
}

var cmpOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (Node, error) {
	n, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokPunct && cmpOps[p.cur().text] {
		op := p.advance().text
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: op, l: n, r: r}
	}
	return n, nil
}

func (p *parser) parseAdditive() (Node, error) {
	n, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.atPunct("+") || p.atPunct("-") {
		op := p.advance().text
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: op, l: n, r: r}
	}
	return n, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	n, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.atPunct("*") || p.atPunct("/") || p.atPunct("%") {
		op := p.advance().text
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n = binaryNode{op: op, l: n, r: r}
	}
	return n, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.atPunct("-") {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.atPunct("."):
			p.advance()
			if !p.at(tokIdent) {
				return nil, fmt.Errorf("expected identifier after '.'")
			}
			name := p.advance().text
			if r, ok := n.(refNode); ok {
				n = refNode{path: append(append([]string{}, r.path...), name)}
			} else {
				return nil, fmt.Errorf("cannot use '.' on a non-reference expression")
			}
		case p.atPunct("["):
			p.advance()
			idx, err := p.parseSliceOrIndex(n)
			if err != nil {
				return nil, err
			}
			n = idx
		case p.atPunct("("):
			p.advance()
			r, ok := n.(refNode)
			if !ok || len(r.path) != 1 {
				return nil, fmt.Errorf("calls are only supported on a bare function name")
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			n = callNode{name: r.path[0], args: args}
		default:
			return n, nil
		}
	}
}

func (p *parser) parseSliceOrIndex(x Node) (Node, error) {
	if p.atPunct("]") {
		p.advance()
		return indexNode{x: x, isFlatten: true}, nil
	}
	var lo, hi Node
	var err error
	if !p.atPunct(":") {
		lo, err = p.parseTernary()
		if err != nil {
			return nil, err
		}
	}
	if p.atPunct(":") {
		p.advance()
		isSlice := true
		if !p.atPunct("]") {
			hi, err = p.parseTernary()
			if err != nil {
				return nil, err
			}
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		return indexNode{x: x, lo: lo, hi: hi, isSlice: isSlice}, nil
	}
	if err := p.expectPunct("]"); err != nil {
		return nil, err
	}
	return indexNode{x: x, lo: lo}, nil
}

func (p *parser) parseArgs() ([]Node, error) {
	var args []Node
	if p.atPunct(")") {
		p.advance()
		return args, nil
	}
	for {
		a, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.advance()
		v, err := parseNumberLiteral(t.text)
		if err != nil {
			return nil, err
		}
		return litNode{v: v}, nil
	case tokString:
		p.advance()
		return litNode{v: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.advance()
			return litNode{v: true}, nil
		case "false":
			p.advance()
			return litNode{v: false}, nil
		case "null":
			p.advance()
			return litNode{v: nil}, nil
		}
		p.advance()
		return refNode{path: []string{t.text}}, nil
	case tokPunct:
		switch t.text {
		case "(":
			p.advance()
			n, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			p.advance()
			return p.parseListLiteral()
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func (p *parser) parseListLiteral() (Node, error) {
	var items []Node
	if p.atPunct("]") {
		p.advance()
		return listNode{items: items}, nil
	}
	for {
		it, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		if p.atPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct("]"); err != nil {
		return nil, err
	}
	return listNode{items: items}, nil
}
