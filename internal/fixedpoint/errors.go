package fixedpoint

import "errors"

var (
	// ErrOverflow is raised when a result leaves the signed 256-bit range
	// that mirrors the on-chain representation.
	ErrOverflow = errors.New("fixedpoint: result outside int256 range")

	// ErrDivisionByZero is raised on division by zero or by a non-positive
	// divisor in the round-up variants.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrLnDomain is raised when Ln is called on a non-positive value.
	ErrLnDomain = errors.New("fixedpoint: ln argument must be positive")

	// ErrExpOverflow is raised when Exp would exceed the int256 range.
	ErrExpOverflow = errors.New("fixedpoint: exp argument too large")

	// ErrSqrtDomain is raised when Sqrt is called on a negative value.
	ErrSqrtDomain = errors.New("fixedpoint: sqrt argument must be non-negative")

	// ErrParse is raised when a decimal string cannot be converted.
	ErrParse = errors.New("fixedpoint: invalid decimal string")
)

// domainErrs are the panics Catch is willing to convert into error returns.
var domainErrs = []error{
	ErrOverflow,
	ErrDivisionByZero,
	ErrLnDomain,
	ErrExpOverflow,
	ErrSqrtDomain,
}

// IsDomain reports whether err is one of the fixed-point domain errors.
func IsDomain(err error) bool {
	for _, d := range domainErrs {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// Catch converts a fixed-point domain panic into an error return. The
// arithmetic methods on FP panic with the sentinel errors above so that
// multi-step formulas read as formulas; functions that expose those formulas
// defer Catch to translate the panic at their boundary:
//
//	func price(...) (p FP, err error) {
//		defer fixedpoint.Catch(&err)
//		...
//	}
//
// Panics that are not fixed-point domain errors are re-raised.
func Catch(err *error) {
	r := recover()
	if r == nil {
		return
	}
	e, ok := r.(error)
	if !ok || !IsDomain(e) {
		panic(r)
	}
	*err = e
}
