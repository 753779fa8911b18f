package scheduler

import (
	"context"
	"fmt"

	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/value"
)

// defaultMaxIter bounds while/do-while loops lacking an
// explicit max_iter, so a buggy condition cannot spin the runner
// forever (spec §4.4's `_max_iter` guard).
const defaultMaxIter = 1000

// runControl implements spec §4.4's if/match/repeat/while/do-while
// constructs, driving n.Subtasks (the construct's body) against the
// `_iter`/`_max_iter`/`_break` state map carried in n.Scope.Local.
func (r *Runner) runControl(ctx context.Context, n *graph.TaskNode) error {
	ctrl := n.Task.Control
	scope := n.Scope
	if scope.Local == nil {
		scope.Local = map[string]value.Value{}
	}
	for k, v := range ctrl.Init {
		scope.Local[k] = v
	}
	scope.Local["_break"] = false

	switch ctrl.Kind {
	case model.ControlIf:
		ok, err := r.evalBool(ctrl.Cond, scope)
		if err != nil {
			return err
		}
		if ok {
			return r.runSubtasksOnce(ctx, n)
		}
		return nil

	case model.ControlMatch:
		for i, c := range ctrl.Cases {
			matched := c.Default
			if !matched && c.When != "" {
				ok, err := r.evalBool(c.When, scope)
				if err != nil {
					return err
				}
				matched = ok
			}
			if matched {
				if i < len(n.Subtasks) {
					return r.runNode(ctx, n.Subtasks[i])
				}
				return nil
			}
		}
		return nil

	case model.ControlRepeat:
		count, err := r.evalInt(ctrl.Count, scope)
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			scope.Local["_iter"] = int64(i)
			if err := r.runSubtasksOnce(ctx, n); err != nil {
				return err
			}
			if value.Truthy(scope.Local["_break"]) {
				break
			}
			if ctrl.Until != "" {
				done, err := r.evalBool(ctrl.Until, scope)
				if err != nil {
					return err
				}
				if done {
					break
				}
			}
		}
		return nil

	case model.ControlWhile:
		maxIter := defaultMaxIter
		if ctrl.MaxIter != "" {
			if m, err := r.evalInt(ctrl.MaxIter, scope); err == nil {
				maxIter = m
			}
		}
		scope.Local["_max_iter"] = int64(maxIter)
		for i := 0; i < maxIter; i++ {
			scope.Local["_iter"] = int64(i)
			ok, err := r.evalBool(ctrl.Cond, scope)
			if err != nil {
				return err
			}
			if !ok || value.Truthy(scope.Local["_break"]) {
				break
			}
			if err := r.runSubtasksOnce(ctx, n); err != nil {
				return err
			}
		}
		return nil

	case model.ControlDoWhile:
		maxIter := defaultMaxIter
		if ctrl.MaxIter != "" {
			if m, err := r.evalInt(ctrl.MaxIter, scope); err == nil {
				maxIter = m
			}
		}
		scope.Local["_max_iter"] = int64(maxIter)
		for i := 0; i < maxIter; i++ {
			scope.Local["_iter"] = int64(i)
			if err := r.runSubtasksOnce(ctx, n); err != nil {
				return err
			}
			if value.Truthy(scope.Local["_break"]) {
				break
			}
			done, err := r.evalBool(ctrl.Until, scope)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown control kind %q", ctrl.Kind)
	}
}

func (r *Runner) runSubtasksOnce(ctx context.Context, n *graph.TaskNode) error {
	for _, sub := range n.Subtasks {
		select {
		case <-ctx.Done():
			r.emit(Event{Node: sub, Kind: EventCancelled, Err: ctx.Err()})
			return ctx.Err()
		default:
		}
		r.emit(Event{Node: sub, Kind: EventStart})
		if err := r.runNode(ctx, sub); err != nil {
			r.emit(Event{Node: sub, Kind: EventCancelled, Err: err})
			return err
		}
		r.emit(Event{Node: sub, Kind: EventComplete})
	}
	return nil
}

// evalBool and evalInt evaluate a Control field as an expression
// source (spec §4.4), not a ${{ }} template string.
func (r *Runner) evalBool(src string, scope *value.Scope) (bool, error) {
	if src == "" {
		return true, nil
	}
	v, err := evalExpr(src, scope)
	if err != nil {
		return false, err
	}
	return value.Truthy(v), nil
}

func (r *Runner) evalInt(src string, scope *value.Scope) (int, error) {
	v, err := evalExpr(src, scope)
	if err != nil {
		return 0, err
	}
	f, err := value.AsFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func evalExpr(src string, scope *value.Scope) (value.Value, error) {
	expr, err := value.Parse(src)
	if err != nil {
		return nil, err
	}
	return expr.Eval(scope)
}
