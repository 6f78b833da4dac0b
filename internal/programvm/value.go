// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package programvm implements the register-machine alternative to
// PolicyVM: a compact instruction list over packet fields, with a
// load-time optimizer run to fixpoint.
package programvm

import "fmt"

// Bank discriminates the three register banks a Value can live in.
type Bank int

const (
	BankFloat Bank = iota
	BankInt
	BankBool
)

func (b Bank) String() string {
	switch b {
	case BankFloat:
		return "float"
	case BankInt:
		return "int"
	case BankBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Value is the tagged union every register, input, and condition operand
// carries: exactly one of Float/Int/Bool is meaningful, selected by Bank.
type Value struct {
	Bank  Bank
	Float float64
	Int   int64
	Bool  bool
}

func FloatValue(f float64) Value { return Value{Bank: BankFloat, Float: f} }
func IntValue(i int64) Value     { return Value{Bank: BankInt, Int: i} }
func BoolValue(b bool) Value     { return Value{Bank: BankBool, Bool: b} }

// AsFloat widens any bank to a float64, following the Float > Int > Bool
// coercion order used for mixed-type comparisons.
func (v Value) AsFloat() float64 {
	switch v.Bank {
	case BankFloat:
		return v.Float
	case BankInt:
		return float64(v.Int)
	case BankBool:
		if v.Bool {
			return 1
		}
		return 0
	}
	return 0
}

// AsInt widens Int/Bool to int64; a Float is truncated.
func (v Value) AsInt() int64 {
	switch v.Bank {
	case BankInt:
		return v.Int
	case BankFloat:
		return int64(v.Float)
	case BankBool:
		if v.Bool {
			return 1
		}
		return 0
	}
	return 0
}

// AsBool reports truthiness: nonzero numbers are true.
func (v Value) AsBool() bool {
	switch v.Bank {
	case BankBool:
		return v.Bool
	case BankInt:
		return v.Int != 0
	case BankFloat:
		return v.Float != 0
	}
	return false
}

// Zero returns the zero-value Value for the given bank, used when a
// register is read before being written.
func Zero(b Bank) Value {
	return Value{Bank: b}
}

func (v Value) String() string {
	switch v.Bank {
	case BankFloat:
		return fmt.Sprintf("%g", v.Float)
	case BankInt:
		return fmt.Sprintf("%d", v.Int)
	case BankBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return "?"
	}
}

// widestBank returns the widest of two banks under Float > Int > Bool.
func widestBank(a, b Bank) Bank {
	if a == BankFloat || b == BankFloat {
		return BankFloat
	}
	if a == BankInt || b == BankInt {
		return BankInt
	}
	return BankBool
}

// coerce widens v to bank, per the Float > Int > Bool coercion order.
func coerce(v Value, bank Bank) Value {
	switch bank {
	case BankFloat:
		return FloatValue(v.AsFloat())
	case BankInt:
		return IntValue(v.AsInt())
	default:
		return BoolValue(v.AsBool())
	}
}
