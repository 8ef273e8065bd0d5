package components

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
)

// execOutput is one compiled "lhs = rhs" assignment.
type execOutput struct {
	name    string
	program *vm.Program
}

// NewExec builds a component from assignment expressions like
// "y = 2.0*x + z". Left-hand names become outputs; every other key of
// vals becomes a param. Expressions are compiled once with expr-lang and
// evaluated against a scalar environment, so every variable must be a
// numeric scalar. Partials come from finite differencing the compiled
// expressions, which is forced on the component.
func NewExec(exprs []string, vals map[string]varmeta.Value) (*system.Component, error) {
	c := system.NewComponent()

	var outputs []execOutput
	outNames := make(map[string]bool, len(exprs))
	for _, e := range exprs {
		lhs, rhs, found := strings.Cut(e, "=")
		if !found {
			return nil, fmt.Errorf("exec component: %q is not an assignment", e)
		}
		name := strings.TrimSpace(lhs)
		if err := varmeta.CheckName(name); err != nil {
			return nil, fmt.Errorf("exec component: %w", err)
		}
		program, err := expr.Compile(strings.TrimSpace(rhs))
		if err != nil {
			return nil, fmt.Errorf("exec component: compiling %q: %w", e, err)
		}
		outputs = append(outputs, execOutput{name: name, program: program})
		outNames[name] = true
	}

	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)

	var paramNames []string
	for _, name := range names {
		val := vals[name]
		if val.IsBoxed() || val.Size() != 1 {
			return nil, fmt.Errorf("exec component: variable %q must be a numeric scalar", name)
		}
		if outNames[name] {
			if err := c.AddOutput(name, val); err != nil {
				return nil, err
			}
			delete(outNames, name)
			continue
		}
		if err := c.AddParam(name, val); err != nil {
			return nil, err
		}
		paramNames = append(paramNames, name)
	}
	for _, out := range outputs {
		if outNames[out.name] {
			// Output left out of vals defaults to zero.
			if err := c.AddOutput(out.name, varmeta.Scalar(0)); err != nil {
				return nil, err
			}
		}
	}

	c.OnSolve = func(params, unknowns, _ *vecs.VecWrapper) error {
		env := make(map[string]any, len(paramNames)+len(outputs))
		for _, p := range paramNames {
			v, err := params.GetScalar(p)
			if err != nil {
				return err
			}
			env[p] = v
		}
		for _, out := range outputs {
			v, err := unknowns.GetScalar(out.name)
			if err != nil {
				return err
			}
			env[out.name] = v
		}
		for _, out := range outputs {
			res, err := expr.Run(out.program, env)
			if err != nil {
				return fmt.Errorf("exec component: evaluating %q: %w", out.name, err)
			}
			val, err := toFloat(res)
			if err != nil {
				return fmt.Errorf("exec component: output %q: %w", out.name, err)
			}
			if err := unknowns.SetScalar(out.name, val); err != nil {
				return err
			}
			env[out.name] = val
		}
		return nil
	}
	c.FDOptions().MustSet("force_fd", true)
	return c, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("expression produced %T, expected a number", v)
	}
}
