package gateway

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cbodonnell/theyr/pkg/tree"
)

type Operator string

const (
	OperatorAdd      Operator = "add"
	OperatorSubtract Operator = "subtract"
	OperatorMultiply Operator = "multiply"
	OperatorDivide   Operator = "divide"
	OperatorModulus  Operator = "modulus"
	OperatorSet      Operator = "set"
)

var operatorAliases = map[string]Operator{
	"add":      OperatorAdd,
	"+=":       OperatorAdd,
	"subtract": OperatorSubtract,
	"-=":       OperatorSubtract,
	"multiply": OperatorMultiply,
	"*=":       OperatorMultiply,
	"divide":   OperatorDivide,
	"/=":       OperatorDivide,
	"modulus":  OperatorModulus,
	"%=":       OperatorModulus,
	"set":      OperatorSet,
	"=":        OperatorSet,
}

// ParseOperator resolves an operator name (case-insensitive) or its
// assignment symbol.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	return op, ok
}

// Apply computes the value written back for current <op> operand. A missing
// or null current value counts as zero. set returns operand unchanged.
func (o Operator) Apply(current, operand tree.Value) tree.Value {
	if o == OperatorSet {
		return operand
	}

	a := 0.0
	if !current.IsNull() {
		a = ToNumber(current)
	}
	b := ToNumber(operand)

	switch o {
	case OperatorAdd:
		return tree.Number(a + b)
	case OperatorSubtract:
		return tree.Number(a - b)
	case OperatorMultiply:
		return tree.Number(a * b)
	case OperatorDivide:
		return tree.Number(a / b)
	case OperatorModulus:
		return tree.Number(math.Mod(a, b))
	default:
		return current
	}
}

var decimalLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ToNumber converts v to a number the way a browser runtime's Number() cast
// does: null is 0, booleans are 0 or 1, strings are parsed after trimming
// (empty is 0) and a single-element array converts as its element. Anything
// else is NaN.
func ToNumber(v tree.Value) float64 {
	switch v.Kind() {
	case tree.KindNull:
		return 0
	case tree.KindBool:
		if b, _ := v.AsBool(); b {
			return 1
		}
		return 0
	case tree.KindNumber:
		n, _ := v.AsNumber()
		return n
	case tree.KindString:
		s, _ := v.AsString()
		return stringToNumber(s)
	case tree.KindArray:
		items := v.Items()
		switch len(items) {
		case 0:
			return 0
		case 1:
			// [true] stringifies to "true", which is not numeric
			if items[0].Kind() == tree.KindBool || items[0].Kind() == tree.KindObject {
				return math.NaN()
			}
			return ToNumber(items[0])
		}
	}
	return math.NaN()
}

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	if !decimalLiteral.MatchString(s) {
		return math.NaN()
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return n
		}
		return math.NaN()
	}
	return n
}
