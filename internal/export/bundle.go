// Package export packages a designed controller into an on-disk bundle
// (the problem definition plus a copy of the model it was built against)
// and loads such bundles back into ready-to-solve problems. It also stores
// run artifacts (metadata and trajectories) for finished solves.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/swingup/furuta/internal/expr"
	"github.com/swingup/furuta/internal/model"
	"github.com/swingup/furuta/internal/ocp"
	"github.com/swingup/furuta/internal/solver"
	"gopkg.in/yaml.v3"
)

// ErrEnvironment marks failures of the surrounding toolchain or
// filesystem rather than of the problem itself.
var ErrEnvironment = errors.New("export: environment error")

// EnvironmentError reports what part of the environment was unusable.
type EnvironmentError struct {
	Path string
	Msg  string
}

func (e *EnvironmentError) Error() string { return fmt.Sprintf("export: %s: %s", e.Path, e.Msg) }

func (e *EnvironmentError) Unwrap() error { return ErrEnvironment }

func envErrf(path, format string, args ...any) error {
	return &EnvironmentError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// BuildConfig controls where and how a controller bundle is written. It is
// passed explicitly into Export; there is no process-wide build state.
type BuildConfig struct {
	Name      string
	OutputDir string

	// ShortOutput skips the human-readable summary and writes only the
	// two files a consumer needs.
	ShortOutput bool
}

// Bound is one path constraint in its serialized form.
type Bound struct {
	Expr         string  `yaml:"expr"`
	Lo           float64 `yaml:"lo"`
	Hi           float64 `yaml:"hi"`
	ExcludeFirst bool    `yaml:"exclude_first,omitempty"`
	ExcludeLast  bool    `yaml:"exclude_last,omitempty"`
}

// Controller is the full problem definition carried by a bundle.
type Controller struct {
	Name          string         `yaml:"name"`
	Horizon       float64        `yaml:"horizon"`
	Intervals     int            `yaml:"intervals"`
	Integrator    string         `yaml:"integrator,omitempty"`
	Backend       string         `yaml:"backend"`
	SolverOptions map[string]any `yaml:"solver_options,omitempty"`
	Objective     string         `yaml:"objective"`
	XCurrent      []float64      `yaml:"x_current"`
	XFinal        []float64      `yaml:"x_final"`
	Bounds        []Bound        `yaml:"bounds,omitempty"`
	ModelFile     string         `yaml:"model"`

	// Model is the loaded dynamics model; not serialized into
	// controller.yaml, it travels as a verbatim copy of its source.
	Model *model.Model `yaml:"-"`
}

const (
	controllerFile = "controller.yaml"
	summaryFile    = "README.md"
)

// Export writes the bundle directory OutputDir/Name.
func Export(c *Controller, cfg BuildConfig) (string, error) {
	if c.Model == nil {
		return "", fmt.Errorf("export: controller has no model")
	}
	if cfg.Name == "" {
		return "", fmt.Errorf("export: bundle name is empty")
	}
	dir := filepath.Join(cfg.OutputDir, cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", envErrf(dir, "cannot create bundle directory: %v", err)
	}

	doc := *c
	doc.Name = cfg.Name
	if doc.ModelFile == "" {
		doc.ModelFile = "model.yaml"
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("export: encode controller: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, controllerFile), data, 0644); err != nil {
		return "", envErrf(dir, "write %s: %v", controllerFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, doc.ModelFile), c.Model.Source(), 0644); err != nil {
		return "", envErrf(dir, "write %s: %v", doc.ModelFile, err)
	}

	if !cfg.ShortOutput {
		if err := os.WriteFile(filepath.Join(dir, summaryFile), []byte(summary(&doc)), 0644); err != nil {
			return "", envErrf(dir, "write %s: %v", summaryFile, err)
		}
	}
	return dir, nil
}

func summary(c *Controller) string {
	s := fmt.Sprintf("# Controller %s\n\nHorizon %g s over %d intervals, backend %s.\n\nObjective: `%s`\n",
		c.Name, c.Horizon, c.Intervals, c.Backend, c.Objective)
	if len(c.Bounds) > 0 {
		s += "\nBounds:\n"
		for _, b := range c.Bounds {
			s += fmt.Sprintf("- %g <= %s <= %g\n", b.Lo, b.Expr, b.Hi)
		}
	}
	return s
}

// LoadBundle reads a bundle directory written by Export.
func LoadBundle(dir string) (*Controller, error) {
	data, err := os.ReadFile(filepath.Join(dir, controllerFile))
	if err != nil {
		return nil, envErrf(dir, "read %s: %v", controllerFile, err)
	}
	var c Controller
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("export: decode controller: %w", err)
	}
	if c.ModelFile == "" {
		c.ModelFile = "model.yaml"
	}
	m, err := model.Load(filepath.Join(dir, c.ModelFile))
	if err != nil {
		return nil, err
	}
	c.Model = m
	return &c, nil
}

// ObjectiveExpr parses the serialized objective.
func (c *Controller) ObjectiveExpr() (expr.Expr, error) {
	return expr.Parse(c.Objective)
}

// Constraints parses the serialized bounds into problem constraints.
func (c *Controller) Constraints() ([]ocp.Constraint, error) {
	out := make([]ocp.Constraint, 0, len(c.Bounds))
	for _, b := range c.Bounds {
		e, err := expr.Parse(b.Expr)
		if err != nil {
			return nil, fmt.Errorf("export: bound %q: %w", b.Expr, err)
		}
		var opts []ocp.BoundOption
		if b.ExcludeFirst {
			opts = append(opts, ocp.ExcludeFirst())
		}
		if b.ExcludeLast {
			opts = append(opts, ocp.ExcludeLast())
		}
		out = append(out, ocp.Bound(b.Lo, e, b.Hi, opts...))
	}
	return out, nil
}

// Problem rebuilds a ready-to-solve problem from the bundle: parameters
// bound to the stored boundary values, method and solver as recorded.
func (c *Controller) Problem() (*ocp.Problem, error) {
	obj, err := c.ObjectiveExpr()
	if err != nil {
		return nil, fmt.Errorf("export: objective %q: %w", c.Objective, err)
	}
	bounds, err := c.Constraints()
	if err != nil {
		return nil, err
	}

	prob, err := ocp.New(c.Model, c.Horizon)
	if err != nil {
		return nil, err
	}
	nx := c.Model.NX()
	xCur, err := prob.Parameter("x_current", nx)
	if err != nil {
		return nil, err
	}
	xFin, err := prob.Parameter("x_final", nx)
	if err != nil {
		return nil, err
	}
	if err := prob.AddObjective(obj); err != nil {
		return nil, err
	}
	if err := prob.AtT0Equal(xCur); err != nil {
		return nil, err
	}
	if err := prob.AtTFEqual(xFin); err != nil {
		return nil, err
	}
	for _, b := range bounds {
		if err := prob.SubjectTo(b); err != nil {
			return nil, err
		}
	}
	if c.Backend == "stagewise" {
		if err := prob.Method(ocp.External("stagewise", c.Intervals, solver.Options(c.SolverOptions))); err != nil {
			return nil, err
		}
	} else {
		intg := c.Integrator
		if intg == "" {
			intg = "rk4"
		}
		if err := prob.Method(ocp.MultipleShooting{N: c.Intervals, Intg: intg}); err != nil {
			return nil, err
		}
		if c.Backend != "" {
			if err := prob.Solver(c.Backend, solver.Options(c.SolverOptions)); err != nil {
				return nil, err
			}
		}
	}
	if err := prob.SetValue(xCur, c.XCurrent); err != nil {
		return nil, err
	}
	if err := prob.SetValue(xFin, c.XFinal); err != nil {
		return nil, err
	}
	return prob, nil
}
