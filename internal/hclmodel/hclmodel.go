// Package hclmodel loads a model definition from an HCL file and builds
// a runnable Problem from it: indep blocks for sources, exec blocks for
// expression components, connect blocks for wiring, and an optional
// gradient block declaring the derivative interface.
package hclmodel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/vk/mdogridgo/internal/components"
	"github.com/vk/mdogridgo/internal/ctxlog"
	"github.com/vk/mdogridgo/internal/problem"
	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/varmeta"
)

// hclModelFile is the top-level structure of a model file for decoding.
type hclModelFile struct {
	Indeps   []*hclIndep   `hcl:"indep,block"`
	Execs    []*hclExec    `hcl:"exec,block"`
	LinSys   []*hclLinSys  `hcl:"linear_system,block"`
	Connects []*hclConnect `hcl:"connect,block"`
	Gradient *hclGradient  `hcl:"gradient,block"`
}

type hclIndep struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

type hclExec struct {
	Name        string             `hcl:"name,label"`
	Expressions []string           `hcl:"expressions"`
	Values      map[string]float64 `hcl:"values,optional"`
}

type hclLinSys struct {
	Name string `hcl:"name,label"`
	Size int    `hcl:"size"`
}

type hclConnect struct {
	Source string `hcl:"source"`
	Target string `hcl:"target"`
}

type hclGradient struct {
	Desvars     []string `hcl:"desvars"`
	Objectives  []string `hcl:"objectives,optional"`
	Constraints []string `hcl:"constraints,optional"`
	Mode        string   `hcl:"mode,optional"`
}

// GradientSpec is the derivative request a model file carries.
type GradientSpec struct {
	Desvars    []string
	Objectives []string
	Mode       problem.GradMode
}

// Load parses an HCL model file and assembles the Problem it describes.
// The returned Problem has not been set up yet. The GradientSpec is nil
// when the file declares no gradient block.
func Load(ctx context.Context, path string) (*problem.Problem, *GradientSpec, error) {
	log := ctxlog.FromContext(ctx)
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, nil, fmt.Errorf("failed to parse model file %s: %w", path, diags)
	}

	var parsed hclModelFile
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, nil, fmt.Errorf("failed to decode model file %s: %w", path, diags)
	}
	log.Debug("model file decoded",
		slog.String("path", path),
		slog.Int("indeps", len(parsed.Indeps)),
		slog.Int("execs", len(parsed.Execs)),
		slog.Int("connections", len(parsed.Connects)))

	root := system.NewGroup()
	for _, ind := range parsed.Indeps {
		val, err := decodeValue(ind.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("indep %q: %w", ind.Name, err)
		}
		if _, err := root.Add(ind.Name, components.NewIndepVar(ind.Name, val), "*"); err != nil {
			return nil, nil, err
		}
	}
	for _, ex := range parsed.Execs {
		vals := make(map[string]varmeta.Value, len(ex.Values))
		for name, v := range ex.Values {
			vals[name] = varmeta.Scalar(v)
		}
		comp, err := components.NewExec(ex.Expressions, vals)
		if err != nil {
			return nil, nil, fmt.Errorf("exec %q: %w", ex.Name, err)
		}
		if _, err := root.Add(ex.Name, comp); err != nil {
			return nil, nil, err
		}
	}
	for _, ls := range parsed.LinSys {
		if _, err := root.Add(ls.Name, components.NewLinearSystem(ls.Size)); err != nil {
			return nil, nil, err
		}
	}
	for _, conn := range parsed.Connects {
		root.Connect(conn.Source, conn.Target)
	}

	p := problem.New(root)
	var spec *GradientSpec
	if g := parsed.Gradient; g != nil {
		p.AddDesvar(g.Desvars...)
		p.AddObjective(g.Objectives...)
		p.AddConstraint(g.Constraints...)
		mode := problem.GradMode(g.Mode)
		if g.Mode == "" {
			mode = problem.Auto
		}
		spec = &GradientSpec{
			Desvars:    g.Desvars,
			Objectives: append(append([]string(nil), g.Objectives...), g.Constraints...),
			Mode:       mode,
		}
	}
	return p, spec, nil
}

// decodeValue evaluates a value expression into a scalar or 1-D array.
func decodeValue(expr hcl.Expression) (varmeta.Value, error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return varmeta.Value{}, diags
	}
	if val.Type() == cty.Number {
		var f float64
		if err := gocty.FromCtyValue(val, &f); err != nil {
			return varmeta.Value{}, err
		}
		return varmeta.Scalar(f), nil
	}
	if val.Type().IsTupleType() || val.Type().IsListType() {
		var data []float64
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			var f float64
			if err := gocty.FromCtyValue(ev, &f); err != nil {
				return varmeta.Value{}, err
			}
			data = append(data, f)
		}
		return varmeta.Array(data), nil
	}
	return varmeta.Value{}, fmt.Errorf("value must be a number or a list of numbers, got %s", val.Type().FriendlyName())
}
