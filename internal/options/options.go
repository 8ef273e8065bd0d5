// Package options implements a typed option dictionary used to configure
// solvers and finite-difference behavior. Options must be registered with
// Add before they can be read or written, and every write is checked
// against the registered type, bounds and enumerated values, so a typo or
// an out-of-range setting fails loudly at configuration time instead of
// producing a silently wrong solve.
package options

import "fmt"

// option holds the current value plus the validation constraints that were
// registered for it.
type option struct {
	val    any
	low    *float64
	high   *float64
	values []any
	desc   string
}

// Dictionary is a registry of named, type-checked options.
type Dictionary struct {
	opts map[string]*option
}

// New returns an empty Dictionary.
func New() *Dictionary {
	return &Dictionary{opts: make(map[string]*option)}
}

// Add registers an option with a default value. The dynamic type of the
// default is enforced on every subsequent Set. Constraints are attached
// with the With* functional options.
func (d *Dictionary) Add(name string, value any, constraints ...Constraint) error {
	if _, ok := d.opts[name]; ok {
		return fmt.Errorf("option %q already exists", name)
	}
	opt := &option{val: value}
	for _, c := range constraints {
		c(opt)
	}
	if err := opt.check(name, value); err != nil {
		return err
	}
	d.opts[name] = opt
	return nil
}

// MustAdd is Add for statically known registrations, where a failure is a
// programming error.
func (d *Dictionary) MustAdd(name string, value any, constraints ...Constraint) {
	if err := d.Add(name, value, constraints...); err != nil {
		panic(err)
	}
}

// Constraint attaches a validation rule to an option at registration time.
type Constraint func(*option)

// WithLow sets a lower bound for a float option.
func WithLow(low float64) Constraint {
	return func(o *option) { o.low = &low }
}

// WithHigh sets an upper bound for a float option.
func WithHigh(high float64) Constraint {
	return func(o *option) { o.high = &high }
}

// WithValues restricts the option to an enumerated set.
func WithValues(values ...any) Constraint {
	return func(o *option) { o.values = values }
}

// WithDesc attaches documentation to the option.
func WithDesc(desc string) Constraint {
	return func(o *option) { o.desc = desc }
}

// Set assigns a new value to a registered option, enforcing type, bounds
// and enumerated values.
func (d *Dictionary) Set(name string, value any) error {
	opt, ok := d.opts[name]
	if !ok {
		return fmt.Errorf("option %q has not been added", name)
	}
	if err := opt.check(name, value); err != nil {
		return err
	}
	opt.val = value
	return nil
}

// MustSet is Set that panics on error, for values known valid at
// compile time.
func (d *Dictionary) MustSet(name string, value any) {
	if err := d.Set(name, value); err != nil {
		panic(err)
	}
}

// Get returns the current value of a registered option.
func (d *Dictionary) Get(name string) (any, error) {
	opt, ok := d.opts[name]
	if !ok {
		return nil, fmt.Errorf("option %q has not been added", name)
	}
	return opt.val, nil
}

// Float returns the value of a float64 option. It panics if the option was
// never registered, since that is a programming error rather than a user
// configuration problem.
func (d *Dictionary) Float(name string) float64 {
	return mustTyped[float64](d, name)
}

// Int returns the value of an int option.
func (d *Dictionary) Int(name string) int {
	return mustTyped[int](d, name)
}

// String returns the value of a string option.
func (d *Dictionary) String(name string) string {
	return mustTyped[string](d, name)
}

// Bool returns the value of a bool option.
func (d *Dictionary) Bool(name string) bool {
	return mustTyped[bool](d, name)
}

// Desc returns the documentation string registered for an option.
func (d *Dictionary) Desc(name string) string {
	if opt, ok := d.opts[name]; ok {
		return opt.desc
	}
	return ""
}

func mustTyped[T any](d *Dictionary, name string) T {
	opt, ok := d.opts[name]
	if !ok {
		panic(fmt.Sprintf("option %q has not been added", name))
	}
	v, ok := opt.val.(T)
	if !ok {
		var zero T
		panic(fmt.Sprintf("option %q is a %T, not a %T", name, opt.val, zero))
	}
	return v
}

func (o *option) check(name string, value any) error {
	if o.val != nil {
		if fmt.Sprintf("%T", value) != fmt.Sprintf("%T", o.val) {
			return fmt.Errorf("option %q should be a %T, got %T", name, o.val, value)
		}
	}
	if f, ok := value.(float64); ok {
		if o.low != nil && f < *o.low {
			return fmt.Errorf("minimum allowed value for option %q is %v", name, *o.low)
		}
		if o.high != nil && f > *o.high {
			return fmt.Errorf("maximum allowed value for option %q is %v", name, *o.high)
		}
	}
	if o.values != nil {
		for _, allowed := range o.values {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("option %q must be one of %v", name, o.values)
	}
	return nil
}
