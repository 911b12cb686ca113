package hcl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/agentgrid/internal/config"
	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fsutil"
	"github.com/zclconf/go-cty/cty"
)

// Loader is the HCL implementation of config.Loader.
type Loader struct {
	// Environ supplies the env variables visible to expressions. Defaults
	// to os.Environ.
	Environ func() []string
}

// NewLoader creates a new HCL catalog loader.
func NewLoader() *Loader {
	return &Loader{Environ: os.Environ}
}

// Load parses every .hcl file under paths. Directories are walked
// recursively and paths that do not exist are skipped. Declaring the same
// workflow name twice is an error.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	model := config.NewModel()
	parser := hclparse.NewParser()
	evalCtx := l.evalContext()

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, block := range root.Workflows {
			if prev, dup := model.Workflows[block.Name]; dup {
				return nil, fmt.Errorf("workflow '%s' declared in both %s and %s", block.Name, prev.Source, file)
			}
			wf, err := translateWorkflow(ctx, block, evalCtx)
			if err != nil {
				return nil, fmt.Errorf("in %s: %w", file, err)
			}
			wf.Source = file
			model.Workflows[wf.Name] = wf
		}
	}

	logger.Debug("HCL loading complete.", "workflows", len(model.Workflows))
	return model, nil
}

func (l *Loader) evalContext() *hcl.EvalContext {
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	env := make(map[string]cty.Value)
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

func translateWorkflow(ctx context.Context, b *workflowBlock, evalCtx *hcl.EvalContext) (*config.Workflow, error) {
	wf := &config.Workflow{
		Name:        b.Name,
		Description: b.Description,
		Steps:       make([]*config.Step, 0, len(b.Steps)),
	}
	for _, s := range b.Steps {
		step, err := translateStep(ctx, s, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("workflow '%s', step '%s': %w", b.Name, s.ID, err)
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

func translateStep(ctx context.Context, s *stepBlock, evalCtx *hcl.EvalContext) (*config.Step, error) {
	step := &config.Step{
		ID:         s.ID,
		WorkerType: s.WorkerType,
		Operation:  s.Operation,
		DependsOn:  s.DependsOn,
		MaxRetries: s.MaxRetries,
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("timeout must be positive, got %s", s.Timeout)
		}
		step.Timeout = d
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must not be negative, got %d", *s.MaxRetries)
	}

	if isExprDefined(ctx, s.Parameters, "parameters") {
		val, diags := s.Parameters.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluating parameters: %w", diags)
		}
		if !val.IsNull() && !val.Type().IsObjectType() && !val.Type().IsMapType() {
			return nil, fmt.Errorf("parameters must be an object, got %s", val.Type().FriendlyName())
		}
		raw, err := ctyValueToInterface(val)
		if err != nil {
			return nil, fmt.Errorf("converting parameters: %w", err)
		}
		if params, ok := raw.(map[string]any); ok {
			step.Parameters = params
		}
	}
	return step, nil
}

// isExprDefined reports whether an optional attribute was actually written.
// gohcl fills omitted optional expressions with a zero-width placeholder,
// so a nil check is not enough.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	defined := r.End.Byte > r.Start.Byte
	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.", "attribute", attrName, "hcl_range", r.String(), "is_defined", defined)
	return defined
}

// findHCLFiles expands paths into a sorted, de-duplicated list of .hcl
// files.
func findHCLFiles(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		found, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", path, err)
		}
		for _, f := range found {
			add(f)
		}
	}
	return out, nil
}
