package eventbus

import (
	"fmt"
	"strconv"
	"strings"
)

// 退避表达式变量。调用方在解析前将其替换为数字字面量。
const (
	VarCount        = "count"
	VarDeliverCount = "deliverCount"
	VarIntervalTime = "intervalTime"
)

// EvalExpression 计算仅含数字、+ - * / 与括号的算术表达式，结果截断为整数秒。
// 使用操作数栈/运算符栈的双栈算法，* / 优先于 + -，同级从左到右。
func EvalExpression(expr string) (int64, error) {
	v, err := evalArith(expr)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

// EvalBackoff 先替换 $name 变量再求值。
func EvalBackoff(expr string, vars map[string]int64) (int64, error) {
	s, err := SubstituteVars(expr, vars)
	if err != nil {
		return 0, err
	}
	return EvalExpression(s)
}

// SubstituteVars 将 $name 替换为 vars 中的数值；未知变量返回 ErrInvalidExpression。
func SubstituteVars(expr string, vars map[string]int64) (string, error) {
	if !strings.Contains(expr, "$") {
		return expr, nil
	}
	var b strings.Builder
	for i := 0; i < len(expr); {
		c := expr[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		j := i + 1
		for j < len(expr) && isIdentByte(expr[j]) {
			j++
		}
		name := expr[i+1 : j]
		v, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("%w: unknown variable $%s in %q", ErrInvalidExpression, name, expr)
		}
		// 负值加括号，避免 "2*-3" 之类的歧义
		if v < 0 {
			b.WriteString("(0" + strconv.FormatInt(v, 10) + ")")
		} else {
			b.WriteString(strconv.FormatInt(v, 10))
		}
		i = j
	}
	return b.String(), nil
}

// ValidateBackoff 以样例变量试算一次，用于注册期快速失败。
func ValidateBackoff(expr string) error {
	_, err := EvalBackoff(expr, map[string]int64{VarCount: 1, VarDeliverCount: 1, VarIntervalTime: 1})
	return err
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func precedence(op byte) int {
	switch op {
	case '*', '/':
		return 2
	case '+', '-':
		return 1
	}
	return 0
}

func evalArith(expr string) (float64, error) {
	var (
		nums []float64
		ops  []byte
	)
	apply := func() error {
		if len(ops) == 0 || len(nums) < 2 {
			return fmt.Errorf("%w: malformed %q", ErrInvalidExpression, expr)
		}
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		b, a := nums[len(nums)-1], nums[len(nums)-2]
		nums = nums[:len(nums)-2]
		var r float64
		switch op {
		case '+':
			r = a + b
		case '-':
			r = a - b
		case '*':
			r = a * b
		case '/':
			if b == 0 {
				return fmt.Errorf("%w: %q", ErrDivisionByZero, expr)
			}
			r = a / b
		default:
			return fmt.Errorf("%w: unbalanced parentheses in %q", ErrInvalidExpression, expr)
		}
		nums = append(nums, r)
		return nil
	}

	// expectOperand 为 true 时遇到 '-' 视为一元负号
	expectOperand := true
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			continue
		case (c >= '0' && c <= '9') || c == '.':
			j := i
			for j < len(expr) && ((expr[j] >= '0' && expr[j] <= '9') || expr[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return 0, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, expr[i:j])
			}
			if !expectOperand {
				return 0, fmt.Errorf("%w: unexpected number at %d in %q", ErrInvalidExpression, i, expr)
			}
			nums = append(nums, v)
			expectOperand = false
			i = j - 1
		case c == '(':
			if !expectOperand {
				return 0, fmt.Errorf("%w: unexpected '(' at %d in %q", ErrInvalidExpression, i, expr)
			}
			ops = append(ops, c)
		case c == ')':
			if expectOperand {
				return 0, fmt.Errorf("%w: unexpected ')' at %d in %q", ErrInvalidExpression, i, expr)
			}
			for len(ops) > 0 && ops[len(ops)-1] != '(' {
				if err := apply(); err != nil {
					return 0, err
				}
			}
			if len(ops) == 0 {
				return 0, fmt.Errorf("%w: unbalanced parentheses in %q", ErrInvalidExpression, expr)
			}
			ops = ops[:len(ops)-1]
		case c == '+' || c == '-' || c == '*' || c == '/':
			if expectOperand {
				if c != '-' {
					return 0, fmt.Errorf("%w: unexpected %q at %d in %q", ErrInvalidExpression, c, i, expr)
				}
				// 一元负号只作用于紧随的操作数
				j := i + 1
				for j < len(expr) && expr[j] == ' ' {
					j++
				}
				end, err := operandEnd(expr, j)
				if err != nil {
					return 0, err
				}
				inner, err := evalArith(expr[j:end])
				if err != nil {
					return 0, err
				}
				nums = append(nums, -inner)
				expectOperand = false
				i = end - 1
				continue
			}
			for len(ops) > 0 && precedence(ops[len(ops)-1]) >= precedence(c) {
				if err := apply(); err != nil {
					return 0, err
				}
			}
			ops = append(ops, c)
			expectOperand = true
		default:
			return 0, fmt.Errorf("%w: unexpected %q at %d in %q", ErrInvalidExpression, c, i, expr)
		}
	}
	if expectOperand {
		return 0, fmt.Errorf("%w: incomplete %q", ErrInvalidExpression, expr)
	}
	for len(ops) > 0 {
		if ops[len(ops)-1] == '(' {
			return 0, fmt.Errorf("%w: unbalanced parentheses in %q", ErrInvalidExpression, expr)
		}
		if err := apply(); err != nil {
			return 0, err
		}
	}
	if len(nums) != 1 {
		return 0, fmt.Errorf("%w: malformed %q", ErrInvalidExpression, expr)
	}
	return nums[0], nil
}

// operandEnd 返回从 i 开始的单个操作数（数字、括号组或再次一元负号）的结束下标。
func operandEnd(expr string, i int) (int, error) {
	if i >= len(expr) {
		return 0, fmt.Errorf("%w: incomplete %q", ErrInvalidExpression, expr)
	}
	switch c := expr[i]; {
	case c == '(':
		depth := 0
		for j := i; j < len(expr); j++ {
			switch expr[j] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return j + 1, nil
				}
			}
		}
		return 0, fmt.Errorf("%w: unbalanced parentheses in %q", ErrInvalidExpression, expr)
	case c == '-':
		return operandEnd(expr, i+1)
	case (c >= '0' && c <= '9') || c == '.':
		j := i
		for j < len(expr) && ((expr[j] >= '0' && expr[j] <= '9') || expr[j] == '.') {
			j++
		}
		return j, nil
	}
	return 0, fmt.Errorf("%w: unexpected %q at %d in %q", ErrInvalidExpression, expr[i], i, expr)
}
