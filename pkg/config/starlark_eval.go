package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/srxops/srxops/pkg/engine"
)

// maxExecutionSteps bounds a script independently of the wall-clock timeout.
const maxExecutionSteps = 10_000_000

// Validation scripts are flat files, so top-level if/for are allowed.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkResult is the outcome of one script run.
type StarlarkResult struct {
	// Output holds the script's public globals converted to Go values.
	Output map[string]interface{}

	ExecutionTime time.Duration
	Error         string
}

// StarlarkEvaluator runs Starlark scripts with a timeout and a step limit.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. Zero timeout means 30s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input bound as predeclared names.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", name).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	type outcome struct {
		result *StarlarkResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := evaluateSync(thread, name, script, input)
		done <- outcome{result, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("execution timeout")
		<-done
		return &StarlarkResult{
			ExecutionTime: time.Since(start),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, fmt.Errorf("starlark script %s: %w", name, evalCtx.Err())
	case out := <-done:
		if out.err != nil {
			return &StarlarkResult{ExecutionTime: time.Since(start), Error: out.err.Error()}, out.err
		}
		out.result.ExecutionTime = time.Since(start)
		return out.result, nil
	}
}

func evaluateSync(thread *starlark.Thread, name, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFileOptions(scriptOptions, thread, name, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for key, val := range globals {
		if len(key) > 0 && key[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", key, err)
		}
		output[key] = goVal
	}
	return &StarlarkResult{Output: output}, nil
}

// ScriptCheck runs a post-upgrade validation script. The script sees
// hostname, target_version, pre and post and reports problems by assigning
// a list of strings to issues.
type ScriptCheck struct {
	name      string
	script    string
	evaluator *StarlarkEvaluator
}

var _ engine.UpgradeCheck = (*ScriptCheck)(nil)

// NewScriptCheck loads the script at path.
func NewScriptCheck(path string, timeout time.Duration) (*ScriptCheck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read validation script: %w", err)
	}
	return NewInlineScriptCheck(filepath.Base(path), string(data), timeout), nil
}

// NewInlineScriptCheck wraps script source held in memory.
func NewInlineScriptCheck(name, script string, timeout time.Duration) *ScriptCheck {
	return &ScriptCheck{name: name, script: script, evaluator: NewStarlarkEvaluator(timeout)}
}

// Check implements engine.UpgradeCheck.
func (c *ScriptCheck) Check(ctx context.Context, in *engine.UpgradeCheckInput) ([]string, error) {
	result, err := c.evaluator.Evaluate(ctx, c.name, c.script, map[string]interface{}{
		"hostname":       in.Hostname,
		"target_version": in.TargetVersion,
		"pre":            in.Pre,
		"post":           in.Post,
	})
	if err != nil {
		return nil, err
	}

	raw, ok := result.Output["issues"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("script %s: issues must be a list, got %T", c.name, raw)
	}

	issues := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			issues = append(issues, s)
		} else {
			issues = append(issues, fmt.Sprint(item))
		}
	}
	return issues, nil
}

// toStarlarkValue converts JSON-shaped Go values. Integral floats become ints
// so decoded counters compare and print naturally.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(seq starlark.Indexable, n int) ([]interface{}, error) {
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		gv, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = gv
	}
	return out, nil
}
