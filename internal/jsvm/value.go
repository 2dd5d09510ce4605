package jsvm

import (
	"math"
	"strconv"
	"strings"
)

// Value is any value the interpreter can produce: Undefined, Null, bool,
// float64, string, *Array, *Object or *Function.
type Value any

type undefinedType struct{}

type nullType struct{}

var (
	// Undefined is the JavaScript undefined value.
	Undefined Value = undefinedType{}
	// Null is the JavaScript null value.
	Null Value = nullType{}
)

// Array is a dense list of values.
type Array struct {
	Elems []Value
}

// Object is a plain property bag. Keys keeps insertion order for stable output.
type Object struct {
	props map[string]Value
	keys  []string
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{props: make(map[string]Value)}
}

// Get returns the property value or Undefined.
func (o *Object) Get(key string) Value {
	if v, ok := o.props[key]; ok {
		return v
	}
	return Undefined
}

// Set creates or overwrites a property.
func (o *Object) Set(key string, v Value) {
	if _, ok := o.props[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.props[key] = v
}

// Has reports whether the property exists.
func (o *Object) Has(key string) bool {
	_, ok := o.props[key]
	return ok
}

// Keys lists property names in insertion order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Function is a native function exposed to scripts. Script-defined functions
// are not part of the supported grammar.
type Function struct {
	Name string
	Call func(args []Value) (Value, error)
}

// NewFunction wraps fn as a callable value.
func NewFunction(name string, fn func(args []Value) (Value, error)) *Function {
	return &Function{Name: name, Call: fn}
}

func typeOf(v Value) string {
	switch v.(type) {
	case undefinedType:
		return "undefined"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case *Function:
		return "function"
	default:
		return "object"
	}
}

// ToBoolean applies JavaScript truthiness.
func ToBoolean(v Value) bool {
	switch x := v.(type) {
	case undefinedType, nullType:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

// ToNumber converts v the way unary plus does.
func ToNumber(v Value) float64 {
	switch x := v.(type) {
	case undefinedType:
		return math.NaN()
	case nullType:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case string:
		return stringToNumber(x)
	default:
		return stringToNumber(ToString(toPrimitive(v)))
	}
}

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	// ParseFloat accepts spellings JavaScript rejects.
	if strings.ContainsAny(lower, "_xpn") || strings.Contains(lower, "inf") {
		return math.NaN()
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return n
}

// ToString converts v the way string concatenation does.
func ToString(v Value) string {
	switch x := v.(type) {
	case undefinedType:
		return "undefined"
	case nullType:
		return "null"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return FormatNumber(x)
	case string:
		return x
	case *Array:
		// Arrays too long to render convert to the empty string here;
		// script-visible conversions go through primitive and fail instead.
		s, _ := joinArray(x, ",", nil)
		return s
	case *Function:
		return "function " + x.Name + "() { [native code] }"
	default:
		return "[object Object]"
	}
}

// FormatNumber renders f like Number.prototype.toString with radix 10.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// Go pads the exponent to two digits; JavaScript does not.
		s = strings.Replace(s, "e+0", "e+", 1)
		s = strings.Replace(s, "e-0", "e-", 1)
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// MaxStringLength caps, in bytes, every string a script can build.
const MaxStringLength = 1 << 20

func errStringLength() error {
	return &Error{Kind: "RangeError", Msg: "Invalid string length"}
}

// joinArray renders a's elements separated by sep. An array that contains
// itself renders as empty at the point of recursion.
func joinArray(a *Array, sep string, seen map[*Array]bool) (string, error) {
	if seen[a] {
		return "", nil
	}
	if seen == nil {
		seen = make(map[*Array]bool)
	}
	seen[a] = true
	defer delete(seen, a)

	var sb strings.Builder
	for i, e := range a.Elems {
		var s string
		switch x := e.(type) {
		case undefinedType, nullType:
		case *Array:
			var err error
			if s, err = joinArray(x, ",", seen); err != nil {
				return "", err
			}
		default:
			s = ToString(e)
		}
		glue := sep
		if i == 0 {
			glue = ""
		}
		if sb.Len()+len(glue)+len(s) > MaxStringLength {
			return "", errStringLength()
		}
		sb.WriteString(glue)
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// primitive is toPrimitive for conversions a script can observe, where an
// oversized result is an error rather than an empty string.
func primitive(v Value) (Value, error) {
	if a, ok := v.(*Array); ok {
		return joinArray(a, ",", nil)
	}
	return toPrimitive(v), nil
}

func toPrimitive(v Value) Value {
	switch v.(type) {
	case *Array, *Object, *Function:
		return ToString(v)
	default:
		return v
	}
}

func toInteger(v Value) int {
	f := ToNumber(v)
	if math.IsNaN(f) {
		return 0
	}
	if math.IsInf(f, 1) || f > math.MaxInt32 {
		return math.MaxInt32
	}
	if math.IsInf(f, -1) || f < math.MinInt32 {
		return math.MinInt32
	}
	return int(math.Trunc(f))
}

func strictEquals(a, b Value) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case undefinedType:
		_, ok := b.(undefinedType)
		return ok
	case nullType:
		_, ok := b.(nullType)
		return ok
	default:
		return a == b
	}
}

func looseEquals(a, b Value) bool {
	if typeOf(a) == typeOf(b) && !isNullish(a) && !isNullish(b) {
		return strictEquals(a, b)
	}
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	pa, pb := toPrimitive(a), toPrimitive(b)
	if sa, ok := pa.(string); ok {
		if sb, ok := pb.(string); ok {
			return sa == sb
		}
	}
	return ToNumber(pa) == ToNumber(pb)
}

func isNullish(v Value) bool {
	switch v.(type) {
	case undefinedType, nullType:
		return true
	}
	return false
}
