package transactional

import (
	"fmt"
	"reflect"

	"github.com/bionicotaku/lingo-txscope/txmanager"
)

// Decorate wraps a single function the way Bootstrap wraps a tagged field.
// F must be a func type whose first parameter is context.Context and whose
// last result is error.
//
//	s.Transfer, err = transactional.Decorate(mgr, txmanager.TxOptions{Isolation: txmanager.Serializable}, s.transfer)
func Decorate[F any](m txmanager.Manager, opts txmanager.TxOptions, fn F) (F, error) {
	var zero F
	if m == nil {
		return zero, ErrNilManager
	}
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return zero, fmt.Errorf("%w: nil function", ErrInvalidMethod)
	}
	if err := checkSignature(v.Type()); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidMethod, err)
	}
	if v.IsNil() {
		return zero, fmt.Errorf("%w: nil function", ErrInvalidMethod)
	}
	return wrap(m, opts, v).Interface().(F), nil
}

// MustDecorate is Decorate for constructors where a bad signature is a bug.
func MustDecorate[F any](m txmanager.Manager, opts txmanager.TxOptions, fn F) F {
	wrapped, err := Decorate(m, opts, fn)
	if err != nil {
		panic(err)
	}
	return wrapped
}
