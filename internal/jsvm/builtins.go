package jsvm

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"
)

func getProperty(obj Value, key string) (Value, error) {
	switch x := obj.(type) {
	case undefinedType, nullType:
		return nil, typeErrorf("cannot read property '%s' of %s", key, ToString(obj))
	case *Object:
		return x.Get(key), nil
	case *Array:
		return arrayProperty(x, key), nil
	case string:
		return stringProperty(x, key), nil
	case float64:
		return numberProperty(x, key), nil
	case bool:
		if key == "toString" {
			return NewFunction(key, func([]Value) (Value, error) { return ToString(x), nil }), nil
		}
	case *Function:
		if key == "name" {
			return x.Name, nil
		}
	}
	return Undefined, nil
}

func setProperty(obj Value, key string, v Value) error {
	switch x := obj.(type) {
	case *Object:
		x.Set(key, v)
		return nil
	case *Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i > len(x.Elems) {
			return typeErrorf("unsupported array assignment to %q", key)
		}
		if i == len(x.Elems) {
			x.Elems = append(x.Elems, v)
		} else {
			x.Elems[i] = v
		}
		return nil
	case undefinedType, nullType:
		return typeErrorf("cannot set property '%s' of %s", key, ToString(obj))
	}
	// Writes to primitives are silently dropped, as in sloppy mode.
	return nil
}

func arrayProperty(a *Array, key string) Value {
	if key == "length" {
		return float64(len(a.Elems))
	}
	if i, err := strconv.Atoi(key); err == nil {
		if i >= 0 && i < len(a.Elems) {
			return a.Elems[i]
		}
		return Undefined
	}
	switch key {
	case "join":
		return NewFunction(key, func(args []Value) (Value, error) {
			sep := ","
			if len(args) > 0 && !isNullish(args[0]) {
				sep = ToString(args[0])
			}
			return joinArray(a, sep, nil)
		})
	case "toString":
		return NewFunction(key, func([]Value) (Value, error) { return ToString(a), nil })
	}
	return Undefined
}

func stringProperty(s string, key string) Value {
	units := []rune(s)
	if key == "length" {
		return float64(len(units))
	}
	if i, err := strconv.Atoi(key); err == nil {
		if i >= 0 && i < len(units) {
			return string(units[i])
		}
		return Undefined
	}

	method := func(fn func(args []Value) Value) Value {
		return NewFunction(key, func(args []Value) (Value, error) { return fn(args), nil })
	}
	switch key {
	case "charAt":
		return method(func(args []Value) Value {
			i := argInt(args, 0, 0)
			if i < 0 || i >= len(units) {
				return ""
			}
			return string(units[i])
		})
	case "charCodeAt":
		return method(func(args []Value) Value {
			i := argInt(args, 0, 0)
			if i < 0 || i >= len(units) {
				return math.NaN()
			}
			return float64(units[i])
		})
	case "slice":
		return method(func(args []Value) Value {
			start := relativeIndex(argInt(args, 0, 0), len(units))
			end := relativeIndex(argInt(args, 1, len(units)), len(units))
			if start >= end {
				return ""
			}
			return string(units[start:end])
		})
	case "substring":
		return method(func(args []Value) Value {
			start := clamp(argInt(args, 0, 0), 0, len(units))
			end := clamp(argInt(args, 1, len(units)), 0, len(units))
			if start > end {
				start, end = end, start
			}
			return string(units[start:end])
		})
	case "substr":
		return method(func(args []Value) Value {
			start := relativeIndex(argInt(args, 0, 0), len(units))
			length := clamp(argInt(args, 1, len(units)-start), 0, len(units)-start)
			return string(units[start : start+length])
		})
	case "indexOf":
		return method(func(args []Value) Value {
			needle := ""
			if len(args) > 0 {
				needle = ToString(args[0])
			}
			idx := strings.Index(s, needle)
			if idx < 0 {
				return float64(-1)
			}
			return float64(len([]rune(s[:idx])))
		})
	case "toLowerCase":
		return method(func([]Value) Value { return strings.ToLower(s) })
	case "toUpperCase":
		return method(func([]Value) Value { return strings.ToUpper(s) })
	case "toString", "valueOf", "trim":
		return method(func([]Value) Value {
			if key == "trim" {
				return strings.TrimSpace(s)
			}
			return s
		})
	case "split":
		return method(func(args []Value) Value {
			var parts []string
			if len(args) == 0 || isNullish(args[0]) {
				parts = []string{s}
			} else {
				parts = strings.Split(s, ToString(args[0]))
				if ToString(args[0]) == "" {
					parts = parts[:0]
					for _, r := range units {
						parts = append(parts, string(r))
					}
				}
			}
			arr := &Array{}
			for _, p := range parts {
				arr.Elems = append(arr.Elems, p)
			}
			return arr
		})
	}
	return Undefined
}

func numberProperty(f float64, key string) Value {
	switch key {
	case "toFixed":
		return NewFunction(key, func(args []Value) (Value, error) {
			digits := argInt(args, 0, 0)
			if digits < 0 || digits > 100 {
				return nil, &Error{Kind: "RangeError", Msg: "toFixed() digits argument must be between 0 and 100"}
			}
			if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= 1e21 {
				return FormatNumber(f), nil
			}
			return strconv.FormatFloat(f, 'f', digits, 64), nil
		})
	case "toString":
		return NewFunction(key, func(args []Value) (Value, error) {
			radix := argInt(args, 0, 10)
			if radix == 10 || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
				return FormatNumber(f), nil
			}
			if radix < 2 || radix > 36 {
				return nil, &Error{Kind: "RangeError", Msg: "toString() radix must be between 2 and 36"}
			}
			return strconv.FormatInt(int64(f), radix), nil
		})
	}
	return Undefined
}

func installBuiltins(vm *VM) {
	str := NewObject()
	str.Set("fromCharCode", NewFunction("fromCharCode", func(args []Value) (Value, error) {
		var sb strings.Builder
		for _, a := range args {
			sb.WriteRune(rune(uint16(toInteger(a))))
			if sb.Len() > MaxStringLength {
				return nil, errStringLength()
			}
		}
		return sb.String(), nil
	}))
	vm.Set("String", str)

	vm.Set("parseInt", NewFunction("parseInt", func(args []Value) (Value, error) {
		s := ""
		if len(args) > 0 {
			s = ToString(args[0])
		}
		return parseInt(s, argInt(args, 1, 0)), nil
	}))
	vm.Set("parseFloat", NewFunction("parseFloat", func(args []Value) (Value, error) {
		s := ""
		if len(args) > 0 {
			s = ToString(args[0])
		}
		return parseFloatPrefix(s), nil
	}))
	vm.Set("isNaN", NewFunction("isNaN", func(args []Value) (Value, error) {
		if len(args) == 0 {
			return true, nil
		}
		return math.IsNaN(ToNumber(args[0])), nil
	}))
	vm.Set("atob", NewFunction("atob", func(args []Value) (Value, error) {
		if len(args) == 0 {
			return nil, typeErrorf("atob requires an argument")
		}
		raw := strings.TrimRight(ToString(args[0]), "=")
		b, err := base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, &Error{Kind: "InvalidCharacterError", Msg: "the string to be decoded is not correctly encoded"}
		}
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), nil
	}))

	m := NewObject()
	unaryMath := map[string]func(float64) float64{
		"floor": math.Floor,
		"ceil":  math.Ceil,
		"abs":   math.Abs,
		"sqrt":  math.Sqrt,
		"round": func(x float64) float64 { return math.Floor(x + 0.5) },
	}
	for name, fn := range unaryMath {
		fn := fn
		m.Set(name, NewFunction(name, func(args []Value) (Value, error) {
			if len(args) == 0 {
				return math.NaN(), nil
			}
			return fn(ToNumber(args[0])), nil
		}))
	}
	m.Set("pow", NewFunction("pow", func(args []Value) (Value, error) {
		if len(args) < 2 {
			return math.NaN(), nil
		}
		return math.Pow(ToNumber(args[0]), ToNumber(args[1])), nil
	}))
	m.Set("PI", math.Pi)
	vm.Set("Math", m)
	vm.Set("NaN", math.NaN())
	vm.Set("Infinity", math.Inf(1))
}

func parseInt(s string, radix int) Value {
	s = strings.TrimSpace(s)
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign, s = -1, s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if (radix == 0 || radix == 16) && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		s, radix = s[2:], 16
	}
	if radix == 0 {
		radix = 10
	}
	if radix < 2 || radix > 36 {
		return math.NaN()
	}
	end := 0
	for end < len(s) && digitValue(s[end]) < radix {
		end++
	}
	if end == 0 {
		return math.NaN()
	}
	var n float64
	for _, c := range []byte(s[:end]) {
		n = n*float64(radix) + float64(digitValue(c))
	}
	return sign * n
}

func parseFloatPrefix(s string) Value {
	s = strings.TrimSpace(s)
	end := 0
	seenDot, seenDigit := false, false
scan:
	for end < len(s) {
		c := s[end]
		switch {
		case isDigit(c):
			seenDigit = true
		case c == '.' && !seenDot:
			seenDot = true
		case (c == '-' || c == '+') && end == 0:
		default:
			break scan
		}
		end++
	}
	if !seenDigit {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(s[:end], "."), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	}
	return 99
}

func argInt(args []Value, i, def int) int {
	if i >= len(args) || args[i] == Undefined {
		return def
	}
	return toInteger(args[i])
}

func relativeIndex(i, length int) int {
	if i < 0 {
		i += length
	}
	return clamp(i, 0, length)
}

func clamp(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}
