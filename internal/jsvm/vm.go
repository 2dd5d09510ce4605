// Package jsvm is a small interpreter for the arithmetic and string
// expression scripts that edge proxies embed in challenge pages.
//
// The grammar is deliberately narrow: variable declarations, assignment,
// arithmetic, comparison, string concatenation, member access and calls to
// native functions installed by the host. Script-defined functions, loops,
// regular expressions and every form of I/O are rejected. Evaluation is
// bounded by a step budget, strings by MaxStringLength, and scripts by a
// token count and an expression nesting depth.
package jsvm

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMaxSteps bounds evaluation when New is given a non-positive limit.
const DefaultMaxSteps = 100000

// ErrStepLimit is returned when a script exceeds its evaluation budget.
var ErrStepLimit = errors.New("jsvm: evaluation step limit exceeded")

// Error is a script level error such as a TypeError.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Msg
}

func typeErrorf(format string, args ...any) error {
	return &Error{Kind: "TypeError", Msg: fmt.Sprintf(format, args...)}
}

// VM holds the global scope of one evaluation context.
type VM struct {
	globals  map[string]Value
	steps    int
	maxSteps int
}

// New returns a VM with the standard builtins installed.
func New(maxSteps int) *VM {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	vm := &VM{globals: make(map[string]Value), maxSteps: maxSteps}
	installBuiltins(vm)
	return vm
}

// Set binds a global.
func (vm *VM) Set(name string, v Value) {
	vm.globals[name] = v
}

// Get returns a global or Undefined.
func (vm *VM) Get(name string) Value {
	if v, ok := vm.globals[name]; ok {
		return v
	}
	return Undefined
}

// Run evaluates src and returns the value of the last expression statement.
// The step counter is shared across calls on the same VM.
func (vm *VM) Run(src string) (Value, error) {
	program, err := parse(src)
	if err != nil {
		return nil, err
	}
	var completion Value = Undefined
	for _, stmt := range program {
		v, err := stmt.eval(vm)
		if err != nil {
			return nil, err
		}
		if _, ok := stmt.(*exprStmt); ok {
			completion = v
		}
	}
	return completion, nil
}

func (vm *VM) step() error {
	vm.steps++
	if vm.steps > vm.maxSteps {
		return ErrStepLimit
	}
	return nil
}

// stringStepBytes is how many bytes of a produced string cost one extra step.
const stringStepBytes = 256

// charge is step for an operation that produced v; strings cost in
// proportion to their length.
func (vm *VM) charge(v Value) error {
	if s, ok := v.(string); ok {
		vm.steps += len(s) / stringStepBytes
	}
	return vm.step()
}

func (n emptyStmt) eval(vm *VM) (Value, error) { return Undefined, nil }

func (n *exprStmt) eval(vm *VM) (Value, error) { return n.expr.eval(vm) }

func (n *varDecl) eval(vm *VM) (Value, error) {
	for i, name := range n.names {
		if n.inits[i] == nil {
			if _, ok := vm.globals[name]; !ok {
				vm.globals[name] = Undefined
			}
			continue
		}
		v, err := n.inits[i].eval(vm)
		if err != nil {
			return nil, err
		}
		vm.globals[name] = v
	}
	return Undefined, nil
}

func (n *numberLit) eval(vm *VM) (Value, error) { return n.v, vm.step() }

func (n *stringLit) eval(vm *VM) (Value, error) { return n.v, vm.step() }

func (n *constLit) eval(vm *VM) (Value, error) { return n.v, vm.step() }

func (n *ident) eval(vm *VM) (Value, error) {
	if err := vm.step(); err != nil {
		return nil, err
	}
	v, ok := vm.globals[n.name]
	if !ok {
		return nil, &Error{Kind: "ReferenceError", Msg: n.name + " is not defined"}
	}
	return v, nil
}

func (n *arrayLit) eval(vm *VM) (Value, error) {
	if err := vm.step(); err != nil {
		return nil, err
	}
	arr := &Array{Elems: make([]Value, 0, len(n.elems))}
	for _, e := range n.elems {
		v, err := e.eval(vm)
		if err != nil {
			return nil, err
		}
		arr.Elems = append(arr.Elems, v)
	}
	return arr, nil
}

func (n *objectLit) eval(vm *VM) (Value, error) {
	if err := vm.step(); err != nil {
		return nil, err
	}
	obj := NewObject()
	for i, key := range n.keys {
		v, err := n.values[i].eval(vm)
		if err != nil {
			return nil, err
		}
		obj.Set(key, v)
	}
	return obj, nil
}

func (n *member) eval(vm *VM) (Value, error) {
	obj, key, err := n.resolve(vm)
	if err != nil {
		return nil, err
	}
	return getProperty(obj, key)
}

func (n *member) resolve(vm *VM) (Value, string, error) {
	if err := vm.step(); err != nil {
		return nil, "", err
	}
	obj, err := n.object.eval(vm)
	if err != nil {
		return nil, "", err
	}
	prop, err := n.property.eval(vm)
	if err != nil {
		return nil, "", err
	}
	return obj, ToString(prop), nil
}

func (n *call) eval(vm *VM) (Value, error) {
	callee, err := n.callee.eval(vm)
	if err != nil {
		return nil, err
	}
	fn, ok := callee.(*Function)
	if !ok {
		return nil, typeErrorf("%s is not a function", describe(n.callee))
	}
	args := make([]Value, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(vm)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if err := vm.step(); err != nil {
		return nil, err
	}
	v, err := fn.Call(args)
	if err != nil {
		return nil, err
	}
	return v, vm.charge(v)
}

func (n *unary) eval(vm *VM) (Value, error) {
	v, err := n.operand.eval(vm)
	if err != nil {
		return nil, err
	}
	if err := vm.step(); err != nil {
		return nil, err
	}
	switch n.op {
	case "+":
		return ToNumber(v), nil
	case "-":
		return -ToNumber(v), nil
	case "!":
		return !ToBoolean(v), nil
	default:
		return typeOf(v), nil
	}
}

func (n *binary) eval(vm *VM) (Value, error) {
	l, err := n.left.eval(vm)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vm)
	if err != nil {
		return nil, err
	}
	v, err := applyBinary(n.op, l, r)
	if err != nil {
		return nil, err
	}
	return v, vm.charge(v)
}

func applyBinary(op string, l, r Value) (Value, error) {
	switch op {
	case "+":
		return add(l, r)
	case "-":
		return ToNumber(l) - ToNumber(r), nil
	case "*":
		return ToNumber(l) * ToNumber(r), nil
	case "/":
		return ToNumber(l) / ToNumber(r), nil
	case "%":
		return math.Mod(ToNumber(l), ToNumber(r)), nil
	case "===":
		return strictEquals(l, r), nil
	case "!==":
		return !strictEquals(l, r), nil
	case "==":
		return looseEquals(l, r), nil
	case "!=":
		return !looseEquals(l, r), nil
	}
	return compare(op, l, r), nil
}

func add(l, r Value) (Value, error) {
	pl, err := primitive(l)
	if err != nil {
		return nil, err
	}
	pr, err := primitive(r)
	if err != nil {
		return nil, err
	}
	_, ls := pl.(string)
	_, rs := pr.(string)
	if !ls && !rs {
		return ToNumber(pl) + ToNumber(pr), nil
	}
	sl, sr := ToString(pl), ToString(pr)
	if len(sl)+len(sr) > MaxStringLength {
		return nil, errStringLength()
	}
	return sl + sr, nil
}

func compare(op string, l, r Value) bool {
	pl, pr := toPrimitive(l), toPrimitive(r)
	if sl, ok := pl.(string); ok {
		if sr, ok := pr.(string); ok {
			switch op {
			case "<":
				return sl < sr
			case ">":
				return sl > sr
			case "<=":
				return sl <= sr
			default:
				return sl >= sr
			}
		}
	}
	a, b := ToNumber(pl), ToNumber(pr)
	switch op {
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	default:
		return a >= b
	}
}

func (n *logical) eval(vm *VM) (Value, error) {
	l, err := n.left.eval(vm)
	if err != nil {
		return nil, err
	}
	if (n.op == "&&") != ToBoolean(l) {
		return l, nil
	}
	return n.right.eval(vm)
}

func (n *conditional) eval(vm *VM) (Value, error) {
	test, err := n.test.eval(vm)
	if err != nil {
		return nil, err
	}
	if ToBoolean(test) {
		return n.consequent.eval(vm)
	}
	return n.alternate.eval(vm)
}

func (n *sequence) eval(vm *VM) (Value, error) {
	var last Value = Undefined
	for _, e := range n.exprs {
		v, err := e.eval(vm)
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}

func (n *assign) eval(vm *VM) (Value, error) {
	switch target := n.target.(type) {
	case *ident:
		v, err := n.value.eval(vm)
		if err != nil {
			return nil, err
		}
		if n.op != "=" {
			cur, ok := vm.globals[target.name]
			if !ok {
				return nil, &Error{Kind: "ReferenceError", Msg: target.name + " is not defined"}
			}
			if v, err = applyBinary(n.op[:1], cur, v); err != nil {
				return nil, err
			}
			if err := vm.charge(v); err != nil {
				return nil, err
			}
		}
		vm.globals[target.name] = v
		return v, vm.step()

	case *member:
		obj, key, err := target.resolve(vm)
		if err != nil {
			return nil, err
		}
		v, err := n.value.eval(vm)
		if err != nil {
			return nil, err
		}
		if n.op != "=" {
			cur, err := getProperty(obj, key)
			if err != nil {
				return nil, err
			}
			if v, err = applyBinary(n.op[:1], cur, v); err != nil {
				return nil, err
			}
			if err := vm.charge(v); err != nil {
				return nil, err
			}
		}
		return v, setProperty(obj, key, v)
	}
	return nil, typeErrorf("invalid assignment target")
}

func describe(n node) string {
	switch x := n.(type) {
	case *ident:
		return x.name
	case *member:
		if s, ok := x.property.(*stringLit); ok {
			return describe(x.object) + "." + s.v
		}
		return describe(x.object) + "[...]"
	default:
		return "expression"
	}
}
