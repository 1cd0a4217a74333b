package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// scriptNames are the names every snippet may reference. Names that make no
// sense in a given snippet kind are bound to None or to a builtin that fails.
var scriptNames = map[string]bool{
	"struct":        true,
	"enumerate":     true,
	"zip":           true,
	"var":           true,
	"env":           true,
	"host":          true,
	"retired":       true,
	"value":         true,
	"log":           true,
	"set":           true,
	"append":        true,
	"put":           true,
	"ssh":           true,
	"upload":        true,
	"exit_task":     true,
	"exit_play":     true,
	"exit_playbook": true,
}

// StarlarkEvaluator compiles the Starlark snippets of a model file into
// typed Go closures. Snippets are compiled once at load time; every call
// runs in its own thread bounded by the evaluator timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second // Default timeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// snippet is a compiled program whose _main function runs the source.
type snippet struct {
	name    string
	program *starlark.Program
	timeout time.Duration
}

// compileExpr compiles an expression snippet.
func (se *StarlarkEvaluator) compileExpr(name, src string) (*snippet, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%s: empty expression", name)
	}
	return se.compile(name, "def _main():\n    return (\n"+src+"\n    )\n")
}

// compileBlock compiles a statement snippet. It may return early.
func (se *StarlarkEvaluator) compileBlock(name, src string) (*snippet, error) {
	var b strings.Builder
	b.WriteString("def _main():\n    pass\n")
	for _, line := range strings.Split(src, "\n") {
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return se.compile(name, b.String())
}

func (se *StarlarkEvaluator) compile(name, src string) (*snippet, error) {
	_, prog, err := starlark.SourceProgram(name, src, func(n string) bool { return scriptNames[n] })
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return &snippet{name: name, program: prog, timeout: se.timeout}, nil
}

// bindings is the per-call view a snippet has of its surroundings.
type bindings struct {
	resolve  func(name string) (any, error)
	env      vars.Environment
	host     *model.HostInfo
	retired  bool
	value    any
	logger   zerolog.Logger
	set      func(name string, value any)
	appendTo func(name string, value any) error
	put      func(name, key string, value any) error
	ssh      func(ctx context.Context, command string) (model.CommandResult, error)
	upload   func(ctx context.Context, local, remote string) error
	ctx      context.Context
	exitSeen error
}

// run executes the snippet and returns the Go value of its result.
func (s *snippet) run(ctx context.Context, b *bindings) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	b.ctx = ctx

	thread := &starlark.Thread{
		Name: s.name,
		Print: func(_ *starlark.Thread, msg string) {
			b.logger.Info().Str("script", s.name).Msg(msg)
		},
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := s.program.Init(thread, b.predeclared())
	if err != nil {
		return nil, s.wrap(ctx, b, err)
	}
	result, err := starlark.Call(thread, globals["_main"], nil, nil)
	if err != nil {
		return nil, s.wrap(ctx, b, err)
	}
	return fromStarlarkValue(result)
}

// wrap turns a Starlark failure into the Go error callers expect: exit
// signals and context errors come back unchanged.
func (s *snippet) wrap(ctx context.Context, b *bindings, err error) error {
	if b.exitSeen != nil {
		return b.exitSeen
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: execution timeout after %v: %w", s.name, s.timeout, ctxErr)
		}
		return ctxErr
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%s: %s", s.name, evalErr.Backtrace())
	}
	return fmt.Errorf("%s: %w", s.name, err)
}

func (b *bindings) predeclared() starlark.StringDict {
	d := starlark.StringDict{
		"struct":        starlarkstruct.Default,
		"enumerate":     starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":           starlark.NewBuiltin("zip", builtinZip),
		"var":           starlark.NewBuiltin("var", b.builtinVar),
		"env":           starlark.None,
		"host":          starlark.None,
		"retired":       starlark.Bool(b.retired),
		"value":         starlark.None,
		"log":           starlark.NewBuiltin("log", b.builtinLog),
		"set":           starlark.NewBuiltin("set", b.builtinSet),
		"append":        starlark.NewBuiltin("append", b.builtinAppend),
		"put":           starlark.NewBuiltin("put", b.builtinPut),
		"ssh":           starlark.NewBuiltin("ssh", b.builtinSSH),
		"upload":        starlark.NewBuiltin("upload", b.builtinUpload),
		"exit_task":     starlark.NewBuiltin("exit_task", b.exit(engine.ExitTask)),
		"exit_play":     starlark.NewBuiltin("exit_play", b.exit(engine.ExitPlay)),
		"exit_playbook": starlark.NewBuiltin("exit_playbook", b.exit(engine.ExitPlaybook)),
	}
	if b.env != nil {
		d["env"] = starlarkstruct.FromStringDict(starlark.String("env"), starlark.StringDict{
			"name":  starlark.String(b.env.Name()),
			"class": starlark.String(string(b.env.Class())),
		})
	}
	if b.host != nil {
		labels, _ := toStarlarkValue(b.host.Labels)
		d["host"] = starlarkstruct.FromStringDict(starlark.String("host"), starlark.StringDict{
			"name":    starlark.String(b.host.Name),
			"user":    starlark.String(b.host.User),
			"port":    starlark.MakeInt(b.host.Port),
			"channel": starlark.String(b.host.Channel),
			"labels":  labels,
		})
	}
	if b.value != nil {
		if v, err := toStarlarkValue(b.value); err == nil {
			d["value"] = v
		}
	}
	return d
}

// var(name, default=None) resolves a variable to a concrete value. With a
// default, a missing variable yields the default instead of an error.
func (b *bindings) builtinVar(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if b.resolve == nil {
		return nil, fmt.Errorf("var: no variables in scope")
	}
	value, err := b.resolve(name)
	if err != nil {
		if def != nil && errors.Is(err, vars.ErrMissing) {
			return def, nil
		}
		return nil, err
	}
	return toStarlarkValue(value)
}

func (b *bindings) builtinLog(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg, level string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "msg", &msg, "level?", &level); err != nil {
		return nil, err
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	b.logger.WithLevel(lvl).Msg(msg)
	return starlark.None, nil
}

func (b *bindings) builtinSet(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	if b.set == nil {
		return nil, fmt.Errorf("set: only task bodies can set host variables")
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}
	b.set(name, goVal)
	return starlark.None, nil
}

// append(name, value) adds value to a cascading list for the current host.
func (b *bindings) builtinAppend(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	if b.appendTo == nil {
		return nil, fmt.Errorf("append: only task bodies can extend host variables")
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}
	return starlark.None, b.appendTo(name, goVal)
}

// put(name, key, value) binds key in a cascading map for the current host.
func (b *bindings) builtinPut(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, key string
	var value starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	if b.put == nil {
		return nil, fmt.Errorf("put: only task bodies can extend host variables")
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}
	return starlark.None, b.put(name, key, goVal)
}

// ssh(command) runs command on the current host and returns a struct with
// stdout, stderr and exit_code.
func (b *bindings) builtinSSH(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command); err != nil {
		return nil, err
	}
	if b.ssh == nil {
		return nil, fmt.Errorf("ssh: only task bodies run on a host")
	}
	res, err := b.ssh(b.ctx, command)
	if err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlark.String("result"), starlark.StringDict{
		"stdout":    starlark.String(res.Stdout),
		"stderr":    starlark.String(res.Stderr),
		"exit_code": starlark.MakeInt(res.ExitCode),
	}), nil
}

func (b *bindings) builtinUpload(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var local, remote string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "local", &local, "remote", &remote); err != nil {
		return nil, err
	}
	if b.upload == nil {
		return nil, fmt.Errorf("upload: only task bodies run on a host")
	}
	if err := b.upload(b.ctx, local, remote); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (b *bindings) exit(scope engine.ExitScope) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reason string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "reason?", &reason); err != nil {
			return nil, err
		}
		b.exitSeen = engine.Exit(scope, reason)
		return nil, b.exitSeen
	}
}

func evaluatorBindings(x model.Evaluator) *bindings {
	b := &bindings{
		resolve: x.Concrete,
		env:     x.Env(),
		logger:  x.Logger(),
	}
	if ec, ok := x.(model.ExecContext); ok {
		host := ec.Host()
		b.host = &host
		b.retired = ec.Retired()
		b.set = ec.Set
		b.appendTo = ec.Append
		b.put = ec.Put
		b.ssh = ec.SSH
		b.upload = ec.Upload
	}
	return b
}

// Predicate compiles a "when" expression. Its result must be a bool.
func (se *StarlarkEvaluator) Predicate(name, src string) (model.Predicate, error) {
	s, err := se.compileExpr(name, src)
	if err != nil {
		return nil, err
	}
	return func(x model.Evaluator) (bool, error) {
		out, err := s.run(context.Background(), evaluatorBindings(x))
		if err != nil {
			return false, err
		}
		ok, isBool := out.(bool)
		if !isBool {
			return false, fmt.Errorf("%s: condition must be a bool, got %T", name, out)
		}
		return ok, nil
	}, nil
}

// Task compiles a task body.
func (se *StarlarkEvaluator) Task(name, src string) (model.TaskFunc, error) {
	s, err := se.compileBlock(name, src)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x model.ExecContext) error {
		_, err := s.run(ctx, evaluatorBindings(x))
		return err
	}, nil
}

// Hook compiles a playbook setup or teardown action.
func (se *StarlarkEvaluator) Hook(name, src string) (model.HookFunc, error) {
	s, err := se.compileBlock(name, src)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, x model.Evaluator) error {
		_, err := s.run(ctx, evaluatorBindings(x))
		return err
	}, nil
}

// Lazy compiles the expression of a lazily computed variable.
func (se *StarlarkEvaluator) Lazy(name, src string) (vars.LazyFunc, error) {
	s, err := se.compileExpr(name, src)
	if err != nil {
		return nil, err
	}
	return func(rc *vars.Context) (any, error) {
		return s.run(context.Background(), &bindings{
			resolve: func(n string) (any, error) { return rc.ConcreteName(vars.ParseName(n)) },
			env:     rc.Env,
			logger:  rc.Logger,
		})
	}, nil
}

// Transform compiles an expression over the predeclared name value.
func (se *StarlarkEvaluator) Transform(name, src string) (vars.TransformFunc, error) {
	s, err := se.compileExpr(name, src)
	if err != nil {
		return nil, err
	}
	return func(value any) (any, error) {
		return s.run(context.Background(), &bindings{value: value, logger: zerolog.Nop()})
	}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fromStarlarkValue converts a Starlark value to a Go value. Integers that
// fit become int.
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
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// Built-in Starlark functions

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64 = 0

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		tuple := starlark.Tuple{starlark.MakeInt64(i), x}
		list = append(list, tuple)
		i++
	}

	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
