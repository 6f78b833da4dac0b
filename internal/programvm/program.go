// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package programvm

import "censorlab.dev/censorlab/internal/action"

// OpCode enumerates the operations a Line can perform.
type OpCode int

const (
	OpCopy OpCode = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpReturn
	OpNoop
	OpModel // reserved
)

// ReturnAction is the set of terminal latches Return can request.
type ReturnAction int

const (
	ReturnAllow ReturnAction = iota
	ReturnAllowAll
	ReturnTerminateAll
)

func (r ReturnAction) Latch() action.Latch {
	switch r {
	case ReturnAllowAll:
		return action.LatchAllowAll
	case ReturnTerminateAll:
		return action.LatchTerminateAll
	default:
		return action.LatchAllow
	}
}

// Operation is one line's effect: either a register-mutating op (LHS/RHS
// feed Dest) or a Return/Noop/Model marker.
type Operation struct {
	Code OpCode

	// Copy/arithmetic/bitwise operands.
	LHS  Input
	RHS  Input // unused by Copy
	Dest Input // must be InputRegister for anything that writes

	Return ReturnAction
}

// Line is one program instruction: an optional guard condition plus the
// operation to run if the guard passes (or if there is no guard).
type Line struct {
	Condition *Condition
	Op        Operation
}

// Program is the ordered instruction list ProgramVM interprets.
type Program struct {
	Lines              []Line
	RelaxRegisterTypes bool
	FieldDefaultOnError bool
	FloatWidth, IntWidth, BoolWidth int
}

// Outcome is what running a Program against one packet produced.
type Outcome struct {
	Act   action.Action
	Latch action.Latch
}

// Run interprets p's lines top-to-bottom against regs/ctx. The first
// non-default Return wins and terminates evaluation.
func (p *Program) Run(regs *RegisterFile, ctx *execContext) Outcome {
	ctx.fieldDefaultOnError = p.FieldDefaultOnError

	for _, line := range p.Lines {
		if line.Condition != nil {
			ok, err := line.Condition.Eval(regs, ctx)
			if err != nil {
				return Outcome{} // bubble up: stop processing, no action
			}
			if !ok {
				continue
			}
		}

		result, stop := runOperation(line.Op, regs, ctx)
		if stop {
			return result
		}
	}
	return Outcome{}
}

// runOperation executes one line's operation. stop reports whether
// execution should terminate (a non-default Return was hit).
func runOperation(op Operation, regs *RegisterFile, ctx *execContext) (Outcome, bool) {
	switch op.Code {
	case OpNoop, OpModel:
		return Outcome{}, false
	case OpReturn:
		latch := op.Return.Latch()
		return Outcome{Act: action.Action{Kind: latch.ResolveKind()}, Latch: latch}, true
	}

	lhs, err := op.LHS.Resolve(regs, ctx)
	if err != nil {
		return Outcome{}, false
	}
	var rhs Value
	if op.Code != OpCopy {
		rhs, err = op.RHS.Resolve(regs, ctx)
		if err != nil {
			return Outcome{}, false
		}
	}

	if op.Dest.Kind != InputRegister {
		return Outcome{}, false
	}

	var result Value
	switch op.Code {
	case OpCopy:
		result = lhs
	case OpAdd:
		result = arith(lhs, rhs, func(a, b float64) float64 { return a + b }, func(a, b int64) int64 { return a + b })
	case OpSub:
		result = arith(lhs, rhs, func(a, b float64) float64 { return a - b }, func(a, b int64) int64 { return a - b })
	case OpMul:
		result = arith(lhs, rhs, func(a, b float64) float64 { return a * b }, func(a, b int64) int64 { return a * b })
	case OpDiv:
		result = divmod(lhs, rhs, false)
	case OpMod:
		result = divmod(lhs, rhs, true)
	case OpAnd:
		result = BoolValue(lhs.AsBool() && rhs.AsBool())
	case OpOr:
		result = BoolValue(lhs.AsBool() || rhs.AsBool())
	case OpXor:
		result = BoolValue(lhs.AsBool() != rhs.AsBool())
	}

	regs.Write(op.Dest.RegBank, op.Dest.RegIndex, result)
	return Outcome{}, false
}

func arith(lhs, rhs Value, ff func(float64, float64) float64, fi func(int64, int64) int64) Value {
	bank := widestBank(lhs.Bank, rhs.Bank)
	if bank == BankFloat {
		return FloatValue(ff(lhs.AsFloat(), rhs.AsFloat()))
	}
	return IntValue(fi(lhs.AsInt(), rhs.AsInt()))
}

// divmod implements Div/Mod so dividing by zero yields zero instead of
// trapping.
func divmod(lhs, rhs Value, mod bool) Value {
	bank := widestBank(lhs.Bank, rhs.Bank)
	if bank == BankFloat {
		r := rhs.AsFloat()
		if r == 0 {
			return FloatValue(0)
		}
		l := lhs.AsFloat()
		if mod {
			ri := int64(r)
			if ri == 0 {
				return FloatValue(0)
			}
			return FloatValue(float64(int64(l) % ri))
		}
		return FloatValue(l / r)
	}
	r := rhs.AsInt()
	if r == 0 {
		return IntValue(0)
	}
	l := lhs.AsInt()
	if mod {
		return IntValue(l % r)
	}
	return IntValue(l / r)
}
