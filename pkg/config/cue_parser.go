package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// CUEParser loads model documents written in CUE: environments, projects
// and playbooks. Documents are unified with the built-in model schema,
// decoded into model declarations and checked with validator tags.
// Starlark snippets are compiled while loading.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
	logger            zerolog.Logger
	schema            string
}

// ParserOption configures a CUEParser.
type ParserOption func(*CUEParser)

// WithScriptTimeout bounds every Starlark snippet call.
func WithScriptTimeout(d time.Duration) ParserOption {
	return func(cp *CUEParser) { cp.starlarkEvaluator = NewStarlarkEvaluator(d) }
}

// WithSchema selects a registered schema other than the built-in "model".
func WithSchema(name string) ParserOption {
	return func(cp *CUEParser) { cp.schema = name }
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser(logger zerolog.Logger, opts ...ParserOption) (*CUEParser, error) {
	ctx := cuecontext.New()
	registry, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	cp := &CUEParser{
		ctx:               ctx,
		schemaRegistry:    registry,
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
		logger:            logger.With().Str("component", "config").Logger(),
		schema:            "model",
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp, nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// Load parses CUE files and directories and returns the model they declare.
// All problems found are returned together as ValidationErrors.
func (cp *CUEParser) Load(_ context.Context, sources []string) (*Model, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var errs ValidationErrors

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		if info.IsDir() {
			var files []string
			val, files, err = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, err = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		if err != nil {
			errs = append(errs, convertCUEErrors(err)...)
			continue
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	m, err := cp.extract(cueValue)
	if err != nil {
		return nil, err
	}
	m.SourceFiles = sourceFiles

	cp.logger.Debug().
		Int("files", len(sourceFiles)).
		Int("environments", len(m.Environments)).
		Int("projects", len(m.Projects)).
		Int("playbooks", len(m.Playbooks)).
		Msg("Model loaded")

	return m, nil
}

// LoadInline parses inline CUE content.
func (cp *CUEParser) LoadInline(_ context.Context, content string) (*Model, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}

	m, err := cp.extract(val)
	if err != nil {
		return nil, err
	}
	m.SourceFiles = []string{"inline"}
	return m, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, error) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, fmt.Errorf("%s: no CUE files found", dir)
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, inst.Err
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, err
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read file: %w", err)
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, err
	}

	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

// extractor accumulates errors while a document is decoded.
type extractor struct {
	cp   *CUEParser
	errs ValidationErrors
}

func (x *extractor) fail(path string, err error) {
	if ve, ok := err.(ValidationErrors); ok {
		x.errs = append(x.errs, ve...)
		return
	}
	x.errs = append(x.errs, ValidationError{Path: path, Message: err.Error()})
}

func (x *extractor) validate(path string, s any) {
	if err := x.cp.validator.Struct(s); err != nil {
		x.fail(path, fmt.Errorf("validation failed: %w", err))
	}
}

// extract decodes a unified CUE document into a Model.
func (cp *CUEParser) extract(val cue.Value) (*Model, error) {
	doc, err := cp.schemaRegistry.Apply(cp.schema, val)
	if err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}

	x := &extractor{cp: cp}
	m := &Model{LoadedAt: time.Now()}

	eachField(x, doc, "environments", func(name string, v cue.Value) {
		if env, ok := x.environment(name, v); ok {
			m.Environments = append(m.Environments, env)
		}
	})
	eachField(x, doc, "projects", func(name string, v cue.Value) {
		if p, ok := x.project(name, v); ok {
			m.Projects = append(m.Projects, p)
		}
	})
	eachElem(x, doc, "playbooks", func(i int, v cue.Value) {
		if pb, ok := x.playbook(i, v); ok {
			m.Playbooks = append(m.Playbooks, pb)
		}
	})

	if len(x.errs) > 0 {
		return nil, x.errs
	}
	return m, nil
}

func eachField(x *extractor, v cue.Value, path string, fn func(name string, v cue.Value)) {
	field := v.LookupPath(cue.ParsePath(path))
	if !field.Exists() {
		return
	}
	iter, err := field.Fields()
	if err != nil {
		x.fail(path, err)
		return
	}
	for iter.Next() {
		fn(iter.Selector().Unquoted(), iter.Value())
	}
}

func eachElem(x *extractor, v cue.Value, path string, fn func(i int, v cue.Value)) {
	field := v.LookupPath(cue.ParsePath(path))
	if !field.Exists() {
		return
	}
	list, err := field.List()
	if err != nil {
		x.fail(path, err)
		return
	}
	for i := 0; list.Next(); i++ {
		fn(i, list.Value())
	}
}

func (x *extractor) environment(name string, v cue.Value) (model.EnvironmentInfo, bool) {
	path := "environments." + name
	var doc EnvironmentDoc
	if err := v.Decode(&doc); err != nil {
		x.fail(path, fmt.Errorf("failed to decode environment: %w", err))
		return model.EnvironmentInfo{}, false
	}

	info := model.EnvironmentInfo{
		Name:        name,
		Abstracted:  doc.Abstract,
		Description: doc.Description,
		Class:       vars.Class(doc.Class),
		Parents:     doc.Parents,
		Labels:      doc.Labels,
	}
	if len(doc.Hosts) > 0 {
		info.Hosts = make(map[string]model.HostInfo, len(doc.Hosts))
		for hostName, h := range doc.Hosts {
			info.Hosts[hostName] = model.HostInfo{
				Name:        hostName,
				User:        h.User,
				Port:        h.Port,
				Channel:     h.Channel,
				Retired:     h.Retired,
				Labels:      h.Labels,
				Description: h.Description,
			}
		}
	}
	if len(doc.HostGroups) > 0 {
		info.HostGroups = make(map[string]model.HostGroupInfo, len(doc.HostGroups))
		for groupName, g := range doc.HostGroups {
			info.HostGroups[groupName] = model.HostGroupInfo{
				Name:            groupName,
				Description:     g.Description,
				Hosts:           g.Hosts,
				HostsRetired:    g.HostsRetired,
				Inherits:        g.Inherits,
				InheritsRetired: g.InheritsRetired,
			}
		}
	}

	vs, err := x.cp.decodeVars(path, v.LookupPath(cue.ParsePath("vars")))
	if err != nil {
		x.fail(path+".vars", err)
	}
	info.Vars = vs

	x.validate(path, info)
	return info, true
}

func (x *extractor) project(name string, v cue.Value) (model.ProjectInfo, bool) {
	path := "projects." + name
	var doc ProjectDoc
	if err := v.Decode(&doc); err != nil {
		x.fail(path, fmt.Errorf("failed to decode project: %w", err))
		return model.ProjectInfo{}, false
	}

	info := model.ProjectInfo{
		Name:         name,
		Key:          doc.Key,
		Description:  doc.Description,
		Abstracted:   doc.Abstract,
		Parents:      doc.Parents,
		ActiveInEnv:  doc.ActiveInEnv,
		Playbook:     doc.Playbook,
		IncludeInEnv: doc.IncludeInEnv,
		ExcludeInEnv: doc.ExcludeInEnv,
		Sharing:      doc.Sharing,
	}

	for i, src := range doc.When {
		pred, err := x.cp.starlarkEvaluator.Predicate(fmt.Sprintf("%s.when[%d]", path, i), src)
		if err != nil {
			x.fail(path, err)
			continue
		}
		info.When = append(info.When, pred)
	}

	vs, err := x.cp.decodeVars(path, v.LookupPath(cue.ParsePath("vars")))
	if err != nil {
		x.fail(path+".vars", err)
	}
	info.Vars = vs

	eachElem(x, v, "overrides", func(i int, ov cue.Value) {
		opath := fmt.Sprintf("%s.overrides[%d]", path, i)
		var override model.ProjectOverrideInfo
		if err := ov.LookupPath(cue.ParsePath("query")).Decode(&override.Query); err != nil {
			x.fail(opath, fmt.Errorf("failed to decode query: %w", err))
			return
		}
		vs, err := x.cp.decodeVars(opath, ov.LookupPath(cue.ParsePath("vars")))
		if err != nil {
			x.fail(opath+".vars", err)
			return
		}
		override.Vars = vs
		info.Overrides = append(info.Overrides, override)
	})

	x.validate(path, info)
	return info, true
}

func (x *extractor) playbook(i int, v cue.Value) (model.PlaybookInfo, bool) {
	var doc PlaybookDoc
	if err := v.Decode(&doc); err != nil {
		x.fail(fmt.Sprintf("playbooks[%d]", i), fmt.Errorf("failed to decode playbook: %w", err))
		return model.PlaybookInfo{}, false
	}
	path := "playbooks." + doc.Name

	info := model.PlaybookInfo{
		Name:        doc.Name,
		Description: doc.Description,
		Parents:     doc.Parents,
		ActiveInEnv: doc.ActiveInEnv,
		Scenes:      doc.Scenes,
	}

	if specs := v.LookupPath(cue.ParsePath("parameterSpecs")); specs.Exists() {
		raw, err := decodeAny(specs)
		if err != nil {
			x.fail(path+".parameterSpecs", err)
		} else if m, ok := raw.(map[string]any); ok {
			info.ParameterSpecs = m
		}
	}

	vs, err := x.cp.decodeVars(path, v.LookupPath(cue.ParsePath("vars")))
	if err != nil {
		x.fail(path+".vars", err)
	}
	info.Vars = vs

	for _, h := range doc.Hooks {
		hook := model.HookInfo{Name: h.Name}
		if h.Setup != "" {
			if hook.Setup, err = x.cp.starlarkEvaluator.Hook(path+"."+h.Name+".setup", h.Setup); err != nil {
				x.fail(path, err)
			}
		}
		if h.Teardown != "" {
			if hook.Teardown, err = x.cp.starlarkEvaluator.Hook(path+"."+h.Name+".teardown", h.Teardown); err != nil {
				x.fail(path, err)
			}
		}
		info.Hooks = append(info.Hooks, hook)
	}

	playVals := make([]cue.Value, 0, len(doc.Plays))
	eachElem(x, v, "plays", func(_ int, pv cue.Value) { playVals = append(playVals, pv) })
	for j, pd := range doc.Plays {
		var pv cue.Value
		if j < len(playVals) {
			pv = playVals[j]
		}
		info.Plays = append(info.Plays, x.play(path+"."+pd.Name, pd, pv))
	}

	x.validate(path, info)
	return info, true
}

func (x *extractor) play(path string, doc PlayDoc, v cue.Value) model.PlayInfo {
	info := model.PlayInfo{
		Name:              doc.Name,
		Hosts:             doc.Hosts,
		Serial:            doc.Serial,
		IncludeOnlyInEnv:  doc.IncludeOnlyInEnv,
		ExcludedInEnv:     doc.ExcludedInEnv,
		Retries:           doc.Retries,
		AlwaysRun:         doc.AlwaysRun,
		ResourceOperators: doc.ResourceOperators,
		ResourcesRequired: doc.ResourcesRequired,
	}
	info.When = x.predicates(path, doc.When)

	if v.Exists() {
		vs, err := x.cp.decodeVars(path, v.LookupPath(cue.ParsePath("vars")))
		if err != nil {
			x.fail(path+".vars", err)
		}
		info.Vars = vs
	}

	for _, td := range doc.Tasks {
		info.Tasks = append(info.Tasks, x.task(path, td))
	}
	return info
}

func (x *extractor) task(parent string, doc TaskDoc) model.TaskInfo {
	path := parent + "." + doc.Path
	info := model.TaskInfo{
		Path:                doc.Path,
		Tags:                doc.Tags,
		Retries:             doc.Retries,
		IncludeRetiredHosts: doc.IncludeRetiredHosts,
		OnlyRetiredHosts:    doc.OnlyRetiredHosts,
		Reverse:             doc.Reverse,
		ResourcesRequired:   doc.ResourcesRequired,
		IncludeInEnv:        doc.IncludeInEnv,
		ExcludeInEnv:        doc.ExcludeInEnv,
	}
	info.When = x.predicates(path, doc.When)
	if strings.TrimSpace(doc.Body) != "" {
		body, err := x.cp.starlarkEvaluator.Task(path+".body", doc.Body)
		if err != nil {
			x.fail(path, err)
		}
		info.Body = body
	}
	for _, child := range doc.Children {
		info.Children = append(info.Children, x.task(path, child))
	}
	return info
}

func (x *extractor) predicates(path string, srcs []string) []model.Predicate {
	var out []model.Predicate
	for i, src := range srcs {
		pred, err := x.cp.starlarkEvaluator.Predicate(fmt.Sprintf("%s.when[%d]", path, i), src)
		if err != nil {
			x.fail(path, err)
			continue
		}
		out = append(out, pred)
	}
	return out
}

// decodeAny converts a concrete CUE value to plain Go data. Integers that
// fit become int.
func decodeAny(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, err
		}
		return int(i), nil
	case cue.FloatKind:
		return v.Float64()
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		b, err := v.Bytes()
		return string(b), err
	case cue.ListKind:
		list, err := v.List()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for list.Next() {
			item, err := decodeAny(list.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, err
		}
		out := map[string]any{}
		for iter.Next() {
			item, err := decodeAny(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Selector().Unquoted()] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("value is not concrete: %v", v)
}
