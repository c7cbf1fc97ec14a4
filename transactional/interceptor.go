// Package transactional wraps service operations in transactions at startup.
//
// Go cannot rebind methods, so a service exposes its transactional operations
// as exported func fields bound in its constructor and marks them with a
// struct tag:
//
//	type UserService struct {
//		CreateUser func(ctx context.Context, name string) (*User, error) `transactional:""`
//		Transfer   func(ctx context.Context, from, to string) error       `transactional:"isolation=serializable"`
//	}
//
// Registered instances are rewritten once by Bootstrap: each tagged field is
// replaced by a function of the same type that runs the original inside
// txmanager.Manager.WithinTx and hands it the transaction-scoped context.
package transactional

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

var (
	ErrNilManager          = errors.New("transactional: manager is required")
	ErrAlreadyBootstrapped = errors.New("transactional: interceptor already bootstrapped")
	ErrInvalidInstance     = errors.New("transactional: instance must be a non-nil pointer to a struct")
	ErrInvalidMethod       = errors.New("transactional: invalid transactional method")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Interceptor collects service instances and rewrites their tagged methods.
type Interceptor struct {
	manager txmanager.Manager
	helper  *log.Helper

	mu           sync.Mutex
	pending      []any
	registered   map[any]struct{}
	wrapped      map[any]struct{}
	bootstrapped bool
}

// NewInterceptor builds an interceptor that runs tagged methods through m.
func NewInterceptor(m txmanager.Manager, logger log.Logger) (*Interceptor, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	return &Interceptor{
		manager:    m,
		helper:     log.NewHelper(logger),
		registered: make(map[any]struct{}),
		wrapped:    make(map[any]struct{}),
	}, nil
}

// Register queues instances for Bootstrap. Registering the same instance
// twice is a no-op.
func (i *Interceptor) Register(instances ...any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.bootstrapped {
		return ErrAlreadyBootstrapped
	}
	for _, inst := range instances {
		if _, err := structOf(inst); err != nil {
			return err
		}
		if _, dup := i.registered[inst]; dup {
			continue
		}
		i.registered[inst] = struct{}{}
		i.pending = append(i.pending, inst)
	}
	return nil
}

// Bootstrap wraps every registered instance. It has the signature of a
// kratos lifecycle hook and runs once; later calls return
// ErrAlreadyBootstrapped. Any invalid tagged method aborts startup before
// a single instance is modified.
func (i *Interceptor) Bootstrap(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.bootstrapped {
		return ErrAlreadyBootstrapped
	}

	var plans []plan
	for _, inst := range i.pending {
		if _, done := i.wrapped[inst]; done {
			continue
		}
		p, err := planFor(inst)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	total := 0
	for _, p := range plans {
		total += i.applyLocked(p)
	}
	i.bootstrapped = true
	i.pending = nil
	i.helper.WithContext(ctx).Infof("transactional: bootstrap complete instances=%d methods=%d", len(plans), total)
	return nil
}

// Apply wraps a single instance immediately, for objects created outside the
// bootstrap graph. Applying an instance that is already wrapped is a no-op.
func (i *Interceptor) Apply(instance any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, done := i.wrapped[instance]; done {
		return nil
	}
	p, err := planFor(instance)
	if err != nil {
		return err
	}
	i.applyLocked(p)
	return nil
}

// Bootstrapped reports whether Bootstrap has run.
func (i *Interceptor) Bootstrapped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bootstrapped
}

type plan struct {
	instance any
	value    reflect.Value
	methods  []method
}

type method struct {
	name  string
	index int
	opts  txmanager.TxOptions
}

func (i *Interceptor) applyLocked(p plan) int {
	for _, m := range p.methods {
		field := p.value.Field(m.index)
		// detach from the field so the wrapper does not call itself
		original := reflect.ValueOf(field.Interface())
		field.Set(wrap(i.manager, m.opts, original))
		i.helper.Debugf("transactional: wrapped method=%s.%s propagation=%s isolation=%s",
			p.value.Type().Name(), m.name, m.opts.Propagation, m.opts.Isolation.OrDefault().Label())
	}
	i.wrapped[p.instance] = struct{}{}
	return len(p.methods)
}

func structOf(instance any) (reflect.Value, error) {
	v := reflect.ValueOf(instance)
	if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: got %T", ErrInvalidInstance, instance)
	}
	return v.Elem(), nil
}

// planFor validates every tagged field of instance without modifying it.
func planFor(instance any) (plan, error) {
	v, err := structOf(instance)
	if err != nil {
		return plan{}, err
	}
	t := v.Type()
	p := plan{instance: instance, value: v}
	for idx := 0; idx < t.NumField(); idx++ {
		sf := t.Field(idx)
		tag, ok := sf.Tag.Lookup(TagName)
		if !ok {
			continue
		}
		where := t.Name() + "." + sf.Name
		if !sf.IsExported() {
			return plan{}, fmt.Errorf("%w %s: field must be exported", ErrInvalidMethod, where)
		}
		if err := checkSignature(sf.Type); err != nil {
			return plan{}, fmt.Errorf("%w %s: %v", ErrInvalidMethod, where, err)
		}
		if v.Field(idx).IsNil() {
			return plan{}, fmt.Errorf("%w %s: function is not bound", ErrInvalidMethod, where)
		}
		opts, err := ParseTag(tag)
		if err != nil {
			return plan{}, fmt.Errorf("%w %s: %w", ErrInvalidMethod, where, err)
		}
		p.methods = append(p.methods, method{name: sf.Name, index: idx, opts: opts})
	}
	return p, nil
}

func checkSignature(ft reflect.Type) error {
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("type %s is not a function", ft)
	}
	if ft.NumIn() == 0 || ft.In(0) != contextType {
		return fmt.Errorf("first parameter of %s must be context.Context", ft)
	}
	if ft.NumOut() == 0 || ft.Out(ft.NumOut()-1) != errorType {
		return fmt.Errorf("last result of %s must be error", ft)
	}
	return nil
}

// wrap returns a function of fn's type that runs fn inside a transaction.
// When fn itself fails its results come back untouched; when only the
// transaction fails (begin, commit) the results are zero values and the
// infrastructure error.
func wrap(m txmanager.Manager, opts txmanager.TxOptions, fn reflect.Value) reflect.Value {
	ft := fn.Type()
	last := ft.NumOut() - 1
	within := m.WithinTx
	if opts.AccessMode == dbconn.ReadOnly {
		within = m.WithinReadOnlyTx
	}

	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		ctx, _ := args[0].Interface().(context.Context)

		var (
			results []reflect.Value
			fnErr   error
		)
		err := within(ctx, opts, func(txCtx context.Context, _ dbconn.Querier) error {
			in := make([]reflect.Value, len(args))
			copy(in, args)
			in[0] = reflect.ValueOf(&txCtx).Elem()
			if ft.IsVariadic() {
				results = fn.CallSlice(in)
			} else {
				results = fn.Call(in)
			}
			fnErr, _ = results[last].Interface().(error)
			return fnErr
		})
		if results != nil && (err == nil || fnErr != nil) {
			return results
		}

		out := make([]reflect.Value, ft.NumOut())
		for idx := range out {
			out[idx] = reflect.Zero(ft.Out(idx))
		}
		if err != nil {
			out[last] = reflect.ValueOf(&err).Elem()
		}
		return out
	})
}

// ProviderSet exposes the interceptor for Wire integration.
var ProviderSet = wire.NewSet(NewInterceptor)
