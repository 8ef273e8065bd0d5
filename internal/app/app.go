// Package app wires the CLI configuration to a model run: logger setup,
// model loading, problem setup, execution and result reporting.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/vk/mdogridgo/internal/cli"
	"github.com/vk/mdogridgo/internal/ctxlog"
	"github.com/vk/mdogridgo/internal/hclmodel"
	"github.com/vk/mdogridgo/internal/problem"
	"github.com/vk/mdogridgo/internal/recorder"
)

// App runs one model end to end.
type App struct {
	out io.Writer
}

// NewApp returns an App writing its report to out.
func NewApp(out io.Writer) *App {
	return &App{out: out}
}

// Run loads the model file, sets the problem up, runs it, and reports
// final unknowns plus any requested gradient.
func (a *App) Run(ctx context.Context, cfg *cli.Config) error {
	logger := newLogger(cfg)
	ctx = ctxlog.WithLogger(ctx, logger)

	p, grad, err := hclmodel.Load(ctx, cfg.ModelPath)
	if err != nil {
		return err
	}
	if cfg.Record {
		p.AddRecorder(recorder.NewDump(a.out))
	}
	defer p.Close()

	if err := p.Setup(ctx); err != nil {
		return err
	}
	if cfg.DumpTree {
		if err := p.Root.DumpTree(a.out); err != nil {
			return err
		}
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	if err := a.reportUnknowns(p); err != nil {
		return err
	}

	if grad != nil && len(grad.Desvars) > 0 && len(grad.Objectives) > 0 {
		g, err := p.CalcGradient(ctx, grad.Desvars, grad.Objectives, grad.Mode)
		if err != nil {
			return err
		}
		a.reportGradient(g, grad)
	}
	return nil
}

func (a *App) reportUnknowns(p *problem.Problem) error {
	unknowns := p.Root.Unknowns()
	if _, err := fmt.Fprintln(a.out, "Unknowns:"); err != nil {
		return err
	}
	names := append([]string(nil), unknowns.Names()...)
	sort.Strings(names)
	for _, n := range names {
		vals, err := unknowns.Get(n)
		if err != nil {
			// Pass-by-object values print through their box.
			boxed, berr := unknowns.Boxed(n)
			if berr != nil {
				return err
			}
			fmt.Fprintf(a.out, "  %s: %v\n", n, boxed)
			continue
		}
		fmt.Fprintf(a.out, "  %s: %v\n", n, vals)
	}
	return nil
}

func (a *App) reportGradient(g problem.Gradient, spec *hclmodel.GradientSpec) {
	fmt.Fprintln(a.out, "Gradient:")
	for _, qoi := range spec.Objectives {
		for _, dv := range spec.Desvars {
			block := g[qoi][dv]
			if block == nil {
				continue
			}
			fmt.Fprintf(a.out, "  d%s/d%s: %v\n", qoi, dv,
				mat.Formatted(block, mat.Squeeze()))
		}
	}
}

func newLogger(cfg *cli.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
