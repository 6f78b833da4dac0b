// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package programvm

import "censorlab.dev/censorlab/internal/decoder"

// Optimize runs the load-time optimization passes to fixpoint: constant
// folding, dead-line elimination, and the other rewrites that don't change
// a program's observable behavior. It never mutates p's Lines slice in
// place; Optimize(p) is idempotent and safe to call repeatedly.
func Optimize(p Program) Program {
	for {
		next := p
		next.Lines = append([]Line(nil), p.Lines...)

		next.Lines = eliminateConstantConditions(next.Lines)
		next.Lines = constantFoldArithmetic(next.Lines)
		next.Lines = rewriteReadBeforeWrite(next.Lines)
		next.Lines = eliminateDeadStores(next.Lines)
		next.Lines = stripNoop(next.Lines)
		next.Lines = truncateAfterUnconditionalReturn(next.Lines)
		next.Lines = canonicalizeConstOpReg(next.Lines)

		if linesEqual(next.Lines, p.Lines) {
			return next
		}
		p = next
	}
}

func linesEqual(a, b []Line) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !lineEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func lineEqual(a, b Line) bool {
	if (a.Condition == nil) != (b.Condition == nil) {
		return false
	}
	if a.Condition != nil && (*a.Condition != *b.Condition) {
		return false
	}
	return a.Op == b.Op
}

// (a) Eliminate conditions provably true (drop the guard); remove lines
// whose condition is provably false entirely.
func eliminateConstantConditions(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.Condition == nil {
			out = append(out, l)
			continue
		}
		if truth, ok := constantConditionTruth(*l.Condition); ok {
			if !truth {
				continue // provably false: drop the line
			}
			l.Condition = nil // provably true: drop the guard
		}
		out = append(out, l)
	}
	return out
}

func constantConditionTruth(c Condition) (bool, bool) {
	if c.LHS.Kind != InputConst || c.RHS.Kind != InputConst {
		return false, false
	}
	ok, err := c.Eval(&RegisterFile{}, &execContext{pkt: emptyPacket()})
	if err != nil {
		return false, false
	}
	return ok, true
}

// (b) Constant-fold arithmetic/logic where both inputs are literals,
// replacing the operation with a Copy of the computed constant.
func constantFoldArithmetic(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, foldLine(l))
	}
	return out
}

func foldLine(l Line) Line {
	op := l.Op
	if !isFoldable(op.Code) || op.LHS.Kind != InputConst {
		return l
	}
	needsRHS := op.Code != OpCopy
	if needsRHS && op.RHS.Kind != InputConst {
		return l
	}

	regs := NewRegisterFile(1, 0, 0)
	ctx := &execContext{pkt: emptyPacket()}
	runOperation(Operation{Code: op.Code, LHS: op.LHS, RHS: op.RHS, Dest: RegisterInput(BankFloat, 0)}, regs, ctx)
	folded := regs.Read(BankFloat, 0)
	l.Op = Operation{Code: OpCopy, LHS: ConstInput(folded), Dest: op.Dest}
	return l
}

func isFoldable(c OpCode) bool {
	switch c {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor, OpCopy:
		return true
	}
	return false
}

// (c) Rewrite reads-before-write of a register as reads of the zero-value
// literal: if a register is read by line i before any prior line wrote
// it, substitute the read with Zero(bank).
func rewriteReadBeforeWrite(lines []Line) []Line {
	written := map[Bank]map[int]bool{BankFloat: {}, BankInt: {}, BankBool: {}}
	out := make([]Line, len(lines))
	for i, l := range lines {
		out[i] = rewriteLineReads(l, written)
		if l.Op.Dest.Kind == InputRegister {
			written[l.Op.Dest.RegBank][l.Op.Dest.RegIndex] = true
		}
	}
	return out
}

func rewriteLineReads(l Line, written map[Bank]map[int]bool) Line {
	if l.Condition != nil {
		c := *l.Condition
		c.LHS = rewriteInputRead(c.LHS, written)
		c.RHS = rewriteInputRead(c.RHS, written)
		l.Condition = &c
	}
	l.Op.LHS = rewriteInputRead(l.Op.LHS, written)
	if l.Op.Code != OpCopy {
		l.Op.RHS = rewriteInputRead(l.Op.RHS, written)
	}
	return l
}

func rewriteInputRead(in Input, written map[Bank]map[int]bool) Input {
	if in.Kind != InputRegister {
		return in
	}
	if written[in.RegBank][in.RegIndex] {
		return in
	}
	return ConstInput(Zero(in.RegBank))
}

// (d) Dead-store elimination: any write to a register that no line of the
// program reads is deleted (replaced with Noop).
func eliminateDeadStores(lines []Line) []Line {
	read := map[Bank]map[int]bool{BankFloat: {}, BankInt: {}, BankBool: {}}
	for _, l := range lines {
		markReads(l, read)
	}

	out := make([]Line, len(lines))
	copy(out, lines)
	for i := len(out) - 1; i >= 0; i-- {
		d := out[i].Op.Dest
		if d.Kind != InputRegister {
			continue
		}
		if !read[d.RegBank][d.RegIndex] {
			out[i].Op = Operation{Code: OpNoop}
			out[i].Condition = nil
		}
	}
	return out
}

func markReads(l Line, read map[Bank]map[int]bool) {
	mark := func(in Input) {
		if in.Kind == InputRegister {
			read[in.RegBank][in.RegIndex] = true
		}
	}
	if l.Condition != nil {
		mark(l.Condition.LHS)
		mark(l.Condition.RHS)
	}
	mark(l.Op.LHS)
	if l.Op.Code != OpCopy {
		mark(l.Op.RHS)
	}
}

// (e) Strip Noop lines entirely.
func stripNoop(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.Condition == nil && l.Op.Code == OpNoop {
			continue
		}
		out = append(out, l)
	}
	return out
}

// (f) Truncate the program after the first unconditional Return.
func truncateAfterUnconditionalReturn(lines []Line) []Line {
	for i, l := range lines {
		if l.Condition == nil && l.Op.Code == OpReturn {
			return lines[:i+1]
		}
	}
	return lines
}

// (g) Canonicalize `const OP reg` into `reg OP_inv const` so later passes
// (dead-store, fold) only need to look at one operand shape.
func canonicalizeConstOpReg(lines []Line) []Line {
	out := make([]Line, len(lines))
	for i, l := range lines {
		out[i] = canonicalizeLine(l)
	}
	return out
}

func canonicalizeLine(l Line) Line {
	if l.Condition != nil {
		c := *l.Condition
		if c.LHS.Kind == InputConst && c.RHS.Kind == InputRegister {
			c.LHS, c.RHS = c.RHS, c.LHS
			c.Op = invertConditionOp(c.Op)
		}
		l.Condition = &c
	}
	if l.Op.Code != OpCopy && isCommutative(l.Op.Code) &&
		l.Op.LHS.Kind == InputConst && l.Op.RHS.Kind == InputRegister {
		l.Op.LHS, l.Op.RHS = l.Op.RHS, l.Op.LHS
	}
	return l
}

func isCommutative(c OpCode) bool {
	switch c {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor:
		return true
	}
	return false
}

func invertConditionOp(op CondOp) CondOp {
	switch op {
	case CondLT:
		return CondGT
	case CondLE:
		return CondGE
	case CondGT:
		return CondLT
	case CondGE:
		return CondLE
	default:
		return op // symmetric ops need no inversion
	}
}

func emptyPacket() *decoder.Packet { return &decoder.Packet{} }
