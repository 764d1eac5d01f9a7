package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ComputeEvaluator runs a deployment's compute script. Declared variables
// are predeclared bindings; the script's globals become computed variables.
// Scripts are pure: no print, no filesystem, and a hard wall-clock limit.
type ComputeEvaluator struct {
	timeout time.Duration
}

// NewComputeEvaluator returns an evaluator with the given per-script
// timeout (30s if zero).
func NewComputeEvaluator(timeout time.Duration) *ComputeEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ComputeEvaluator{timeout: timeout}
}

// Evaluate runs script with vars predeclared and returns the resulting
// global bindings. Names starting with "_" are script-internal and are
// not exported.
func (e *ComputeEvaluator) Evaluate(ctx context.Context, script string, vars map[string]interface{}) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "compute",
		Print: func(*starlark.Thread, string) {},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, v := range vars {
		sv, err := starlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		predeclared[name] = sv
	}

	globals, err := starlark.ExecFile(thread, "compute.star", script, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("compute script exceeded %v", e.timeout)
		}
		return nil, fmt.Errorf("compute script failed: %w", err)
	}

	computed := make(map[string]interface{}, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		gv, err := goValue(v)
		if err != nil {
			return nil, fmt.Errorf("computed variable %q: %w", name, err)
		}
		computed[name] = gv
	}
	return computed, nil
}

// starlarkValue converts a configuration value into its starlark
// equivalent.
func starlarkValue(v interface{}) (starlark.Value, error) {
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
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		elems := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := starlarkValue(item)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := starlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("type %T cannot cross into the compute script", v)
	}
}

// goValue converts a starlark value back into the configuration value
// model. Integers come back as int64, which the descriptor schemas accept.
func goValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return goSequence(val.Len(), val.Index)
	case starlark.Tuple:
		return goSequence(val.Len(), val.Index)
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			gv, err := goValue(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := goValue(attr)
			if err != nil {
				return nil, err
			}
			out[name] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("computed value of type %s is not representable", v.Type())
	}
}

func goSequence(n int, index func(int) starlark.Value) (interface{}, error) {
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		gv, err := goValue(index(i))
		if err != nil {
			return nil, err
		}
		out[i] = gv
	}
	return out, nil
}
