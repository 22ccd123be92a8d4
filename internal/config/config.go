// Package config loads problem files. A problem file names a base layout, the
// genes that deform it, the run settings and where run output goes.
//
// Fields left out of a file keep the value from Default, so a file only has
// to spell out what differs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/envopt/internal/fit"
	"github.com/cwbudde/envopt/internal/graph"
	"github.com/cwbudde/envopt/internal/opt"
	"github.com/cwbudde/envopt/internal/param"
	"github.com/cwbudde/envopt/internal/visgraph"
)

// DefaultDataDir is the base directory for run output.
const DefaultDataDir = "./data"

// Recorder sink names accepted in output.recorders.
const (
	RecorderTrace   = "trace"
	RecorderText    = "text"
	RecorderSQLite  = "sqlite"
	RecorderMetrics = "metrics"
)

// ErrInvalid marks a problem file that failed validation.
var ErrInvalid = errors.New("invalid problem file")

// File is a problem file.
type File struct {
	Name string `yaml:"name,omitempty"`
	Mode string `yaml:"mode" validate:"omitempty,oneof=multi multiobjective multi-objective ple flow degree"`

	// LayoutPath points to a layout document, relative to the problem file.
	// Exactly one of LayoutPath and Layout is set.
	LayoutPath string          `yaml:"layout_path,omitempty" validate:"required_without=Layout,excluded_with=Layout"`
	Layout     *graph.Document `yaml:"layout,omitempty" validate:"required_without=LayoutPath"`

	Parameters   []Parameter `yaml:"parameters" validate:"required,min=1,dive"`
	Optimization fit.Config  `yaml:"optimization"`
	VisGraph     VisGraph    `yaml:"visgraph"`
	Output       Output      `yaml:"output"`

	dir string
}

// Parameter is one gene of a problem file.
type Parameter struct {
	Name string `yaml:"name,omitempty"`
	// Rule is one of param.Kinds. Empty means translate.
	Rule             string     `yaml:"rule,omitempty" validate:"rule"`
	Axis             string     `yaml:"axis,omitempty" validate:"omitempty,oneof=x y z X Y Z"`
	Pivot            [3]float64 `yaml:"pivot,omitempty,flow"`
	Nodes            []int      `yaml:"nodes,omitempty,flow"`
	QueryRegions     []int      `yaml:"query_regions,omitempty,flow"`
	ReferenceRegions []int      `yaml:"reference_regions,omitempty,flow"`
	Lower            float64    `yaml:"lower"`
	Upper            float64    `yaml:"upper" validate:"gtfield=Lower"`
	Initial          float64    `yaml:"initial" validate:"gtefield=Lower,ltefield=Upper"`
}

// VisGraph configures the in-process visibility graph.
type VisGraph struct {
	Backend string  `yaml:"backend" validate:"backend"`
	// Spacing is the sample grid step. Zero selects the default.
	Spacing float64 `yaml:"spacing" validate:"omitempty,gte=0.01"`
	// Workers is the build parallelism of the parallel backend.
	Workers int `yaml:"workers" validate:"gte=0"`
}

// Output configures run artifacts.
type Output struct {
	Dir       string   `yaml:"dir"`
	Recorders []string `yaml:"recorders,flow" validate:"dive,oneof=trace text sqlite metrics"`
	// CheckpointInterval saves a checkpoint every that many rounds. Zero
	// only saves the final one.
	CheckpointInterval int `yaml:"checkpoint_interval" validate:"gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("rule", validateRule); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("backend", validateBackend); err != nil {
		panic(err)
	}
}

func validateRule(fl validator.FieldLevel) bool {
	kind := strings.ToLower(strings.TrimSpace(fl.Field().String()))
	return kind == "" || slices.Contains(param.Kinds(), kind)
}

func validateBackend(fl validator.FieldLevel) bool {
	return slices.Contains(visgraph.SupportedBackends(), visgraph.NormalizeBackend(fl.Field().String()))
}

// Default returns the settings a problem file starts from.
func Default() File {
	return File{
		Mode:         fit.ModeMultiObjective.String(),
		Optimization: fit.DefaultConfig(),
		VisGraph: VisGraph{
			Backend: string(visgraph.BackendCPU),
			Spacing: visgraph.DefaultSpacing,
		},
		Output: Output{
			Dir:                DefaultDataDir,
			Recorders:          []string{RecorderTrace, RecorderText},
			CheckpointInterval: 10,
		},
	}
}

// Parse decodes and validates a problem file. Relative layout paths resolve
// against the working directory.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode problem file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads the problem file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read problem file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Save writes f as YAML.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode problem file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write problem file: %w", err)
	}
	return nil
}

// Validate checks field constraints and reports every failing field.
func (f *File) Validate() error {
	var errs []error
	if err := validate.Struct(f); err != nil {
		errs = append(errs, fieldErrors(err)...)
	}
	strategy := opt.NormalizeStrategy(f.Optimization.Strategy)
	if !slices.Contains(opt.SupportedStrategies(), strategy) {
		errs = append(errs, fmt.Errorf("optimization.strategy: unknown strategy %q", f.Optimization.Strategy))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func fieldErrors(err error) []error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			errs = append(errs, fmt.Errorf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errs
}

// Dir returns the directory relative layout paths resolve against.
func (f *File) Dir() string { return f.dir }

// ParsedMode returns the objective mode.
func (f *File) ParsedMode() (fit.Mode, error) {
	return fit.ParseMode(f.Mode)
}

// LoadLayout reads a layout document, such as a round<N>.graph snapshot.
func LoadLayout(path string) (*graph.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	var doc graph.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode layout %s: %w", path, err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: layout %s: %w", ErrInvalid, path, errors.Join(fieldErrors(err)...))
	}
	return &doc, nil
}

// BaseLayout builds the base graph and regions.
func (f *File) BaseLayout() (*graph.Graph, graph.Regions, error) {
	doc, err := f.layout()
	if err != nil {
		return nil, graph.Regions{}, err
	}
	g, regions, err := doc.Build()
	if err != nil {
		return nil, graph.Regions{}, fmt.Errorf("%w: layout: %w", ErrInvalid, err)
	}
	return g, regions, nil
}

// ParameterSet converts the genes into a param.Set.
func (f *File) ParameterSet() (param.Set, error) {
	set := make(param.Set, len(f.Parameters))
	for i, p := range f.Parameters {
		rule, err := param.NewRule(p.Rule, p.Axis, graph.Vec(p.Pivot))
		if err != nil {
			return nil, fmt.Errorf("parameters[%d]: %w", i, err)
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("p%d", i)
		}
		set[i] = param.Parameter{
			Name:             name,
			Nodes:            p.Nodes,
			QueryRegions:     p.QueryRegions,
			ReferenceRegions: p.ReferenceRegions,
			Lower:            p.Lower,
			Upper:            p.Upper,
			Initial:          p.Initial,
			Rule:             rule,
		}
	}
	return set, set.Validate()
}

func (f *File) layout() (*graph.Document, error) {
	if f.Layout != nil {
		return f.Layout, nil
	}
	path := f.LayoutPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.dir, path)
	}
	return LoadLayout(path)
}

// Inline replaces layout_path by the layout it names, so the file can be
// saved to another directory.
func (f *File) Inline() error {
	doc, err := f.layout()
	if err != nil {
		return err
	}
	f.Layout, f.LayoutPath = doc, ""
	return nil
}
