package value

import "fmt"

// Node is an evaluable expression AST node.
type Node interface {
	Eval(scope *Scope) (Value, error)
}

type litNode struct{ v Value }

func (n litNode) Eval(*Scope) (Value, error) { return n.v, nil }

type refNode struct{ path []string }

func (n refNode) Eval(scope *Scope) (Value, error) { return scope.Lookup(n.path) }

type listNode struct{ items []Node }

func (n listNode) Eval(scope *Scope) (Value, error) {
	out := make([]Value, len(n.items))
	for i, it := range n.items {
		v, err := it.Eval(scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type unaryNode struct {
	op string
	x  Node
}

func (n unaryNode) Eval(scope *Scope) (Value, error) {
	v, err := n.x.Eval(scope)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		if i, ok := isIntValue(v); ok {
			return -i, nil
		}
		f, err := AsFloat(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op   string
	l, r Node
}

func (n binaryNode) Eval(scope *Scope) (Value, error) {
	// Short-circuit logical operators.
	if n.op == "&&" {
		l, err := n.l.Eval(scope)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := n.r.Eval(scope)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}
	if n.op == "||" {
		l, err := n.l.Eval(scope)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := n.r.Eval(scope)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := n.l.Eval(scope)
	if err != nil {
		return nil, err
	}
	r, err := n.r.Eval(scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return Native(l) == Native(r) && Kind(l) == Kind(r), nil
	case "!=":
		eq := Native(l) == Native(r) && Kind(l) == Kind(r)
		return !eq, nil
	case "<", "<=", ">", ">=":
		return compareValues(n.op, l, r)
	case "+":
		return arithAdd(l, r)
	case "-", "*", "/", "%":
		return arith(n.op, l, r)
	}
	return nil, fmt.Errorf("unknown binary operator %q", n.op)
}

func compareValues(op string, l, r Value) (Value, error) {
	lf, lerr := AsFloat(l)
	rf, rerr := AsFloat(r)
	if lerr == nil && rerr == nil {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %s and %s", Kind(l), Kind(r))
}

func arithAdd(l, r Value) (Value, error) {
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("cannot add str and %s", Kind(r))
		}
		return ls + rs, nil
	}
	if ll, ok := l.([]Value); ok {
		rl, ok := r.([]Value)
		if !ok {
			return nil, fmt.Errorf("cannot add list and %s", Kind(r))
		}
		out := make([]Value, 0, len(ll)+len(rl))
		out = append(out, ll...)
		out = append(out, rl...)
		return out, nil
	}
	return arith("+", l, r)
}

func arith(op string, l, r Value) (Value, error) {
	li, lIsInt := isIntValue(l)
	ri, rIsInt := isIntValue(r)
	if lIsInt && rIsInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return li % ri, nil
		}
	}
	lf, err := AsFloat(l)
	if err != nil {
		return nil, err
	}
	rf, err := AsFloat(r)
	if err != nil {
		return nil, err
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		return nil, fmt.Errorf("modulo requires integer operands")
	}
	return nil, fmt.Errorf("unsupported arithmetic operator %q", op)
}

type ternaryNode struct {
	thenExpr, cond, elseExpr Node
}

func (n ternaryNode) Eval(scope *Scope) (Value, error) {
	c, err := n.cond.Eval(scope)
	if err != nil {
		return nil, err
	}
	if Truthy(c) {
		return n.thenExpr.Eval(scope)
	}
	return n.elseExpr.Eval(scope)
}

type defaultNode struct{ x, dflt Node }

func (n defaultNode) Eval(scope *Scope) (Value, error) {
	v, err := n.x.Eval(scope)
	if err != nil {
		return n.dflt.Eval(scope)
	}
	return v, nil
}

type indexNode struct {
	x          Node
	lo, hi     Node
	isSlice    bool
	isFlatten  bool
}

func (n indexNode) Eval(scope *Scope) (Value, error) {
	v, err := n.x.Eval(scope)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]Value)
	if !ok {
		return nil, fmt.Errorf("cannot index non-list value of kind %s", Kind(v))
	}
	if n.isFlatten {
		return l, nil
	}
	if n.isSlice {
		lo, hi := 0, len(l)
		if n.lo != nil {
			lv, err := n.lo.Eval(scope)
			if err != nil {
				return nil, err
			}
			i, _ := isIntValue(lv)
			lo = int(i)
		}
		if n.hi != nil {
			hv, err := n.hi.Eval(scope)
			if err != nil {
				return nil, err
			}
			i, _ := isIntValue(hv)
			hi = int(i)
		}
		lo, hi = clampRange(lo, hi, len(l))
		return append([]Value(nil), l[lo:hi]...), nil
	}
	iv, err := n.lo.Eval(scope)
	if err != nil {
		return nil, err
	}
	i, ok := isIntValue(iv)
	if !ok {
		return nil, fmt.Errorf("index must be an int")
	}
	idx := int(i)
	if idx < 0 {
		idx += len(l)
	}
	if idx < 0 || idx >= len(l) {
		return nil, fmt.Errorf("index %d out of range", idx)
	}
	return l[idx], nil
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo += n
	}
	if hi < 0 {
		hi += n
	}
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

type callNode struct {
	name string
	args []Node
}

func (n callNode) Eval(scope *Scope) (Value, error) {
	fn, ok := Builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", n.name)
	}
	args := make([]Value, len(n.args))
	for i, a := range n.args {
		v, err := a.Eval(scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

type pipeNode struct {
	x    Node
	name string
	args []Node
}

func (n pipeNode) Eval(scope *Scope) (Value, error) {
	v, err := n.x.Eval(scope)
	if err != nil {
		return nil, err
	}
	fn, ok := Builtins[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", n.name)
	}
	args := make([]Value, 0, len(n.args)+1)
	args = append(args, v)
	for _, a := range n.args {
		av, err := a.Eval(scope)
		if err != nil {
			return nil, err
		}
		args = append(args, av)
	}
	return fn(args)
}
