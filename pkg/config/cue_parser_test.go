package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

const shopModel = `
environments: {
	base: {
		abstract: true
		vars: {
			"db.host": "db-1"
			"db.url": {$lazy: "'postgres://' + var('db.host') + ':' + str(var('db.port', 5432))"}
			"packages": {$list: ["curl", "git"]}
		}
	}
	prod: {
		class: "prod"
		parents: ["base"]
		labels: {region: "eu"}
		hosts: {
			"web-1": {user: "deploy", labels: {role: "web"}}
			"web-2": {user: "deploy", retired: true}
		}
		hostGroups: {
			web: {hosts: ["web-1"], hostsRetired: ["web-2"]}
		}
		vars: {
			"packages": {$append: "vim"}
		}
	}
}

projects: {
	shop: {
		key: "SHOP"
		playbook: "deploy"
		when: ["env.class != 'local'"]
		vars: {
			"release.version": {$param: {default: "1.0.0", description: "version to ship", order: 1}}
			"release.channel": {$param: {required: true, choices: ["stable", "beta"]}}
			"app.port": 8080
			"app.bind": {$ref: "app.port"}
		}
		overrides: [{
			query: {classes: ["prod"]}
			vars: {"app.port": 443}
		}]
		sharing: {"app.port": "port"}
	}
}

playbooks: [{
	name: "deploy"
	hooks: [{name: "announce", setup: "log('starting')", teardown: "log('done')"}]
	plays: [{
		name: "web"
		hosts: "group:web"
		serial: 0.5
		retries: 1
		when: ["True"]
		vars: {"web.root": "/srv/www"}
		tasks: [{
			path: "install"
			tags: ["pkg"]
			body: """
				for p in var('packages'):
				    ssh('apt-get install -y ' + p)
				"""
			children: [{path: "verify", when: ["not retired"]}]
		}]
	}]
}]
`

func newTestParser(t *testing.T) *CUEParser {
	t.Helper()
	cp, err := NewCUEParser(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCUEParser: %v", err)
	}
	return cp
}

func TestCUEParser_LoadInline(t *testing.T) {
	cp := newTestParser(t)

	m, err := cp.LoadInline(context.Background(), shopModel)
	if err != nil {
		t.Fatalf("LoadInline: %v", err)
	}

	if len(m.Environments) != 2 {
		t.Fatalf("expected 2 environments, got %d", len(m.Environments))
	}
	prod := m.Environments[1]
	if prod.Name != "prod" || prod.Class != vars.ClassProd {
		t.Errorf("unexpected environment %s/%s", prod.Name, prod.Class)
	}
	want := map[string]model.HostInfo{
		"web-1": {Name: "web-1", User: "deploy", Labels: map[string]string{"role": "web"}},
		"web-2": {Name: "web-2", User: "deploy", Retired: true},
	}
	if diff := cmp.Diff(want, prod.Hosts); diff != "" {
		t.Errorf("hosts mismatch (-want +got):\n%s", diff)
	}
	if got := prod.HostGroups["web"].HostsRetired; len(got) != 1 || got[0] != "web-2" {
		t.Errorf("unexpected retired group members %v", got)
	}

	if len(m.Projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(m.Projects))
	}
	shop := m.Projects[0]
	if shop.Key != "SHOP" || shop.Playbook != "deploy" {
		t.Errorf("unexpected project %+v", shop)
	}
	if len(shop.When) != 1 || len(shop.Overrides) != 1 || len(shop.Overrides[0].Vars) != 1 {
		t.Errorf("expected one predicate and one override, got %d/%d", len(shop.When), len(shop.Overrides))
	}
	if diff := cmp.Diff(model.QueryInfo{Classes: []vars.Class{vars.ClassProd}}, shop.Overrides[0].Query); diff != "" {
		t.Errorf("override query mismatch (-want +got):\n%s", diff)
	}

	if len(m.Playbooks) != 1 {
		t.Fatalf("expected 1 playbook, got %d", len(m.Playbooks))
	}
	pb := m.Playbooks[0]
	if len(pb.Hooks) != 1 || pb.Hooks[0].Setup == nil || pb.Hooks[0].Teardown == nil {
		t.Errorf("expected a hook with setup and teardown, got %+v", pb.Hooks)
	}
	play := pb.Plays[0]
	if play.Serial != 0.5 || play.Retries != 1 || len(play.When) != 1 || len(play.Vars) != 1 {
		t.Errorf("unexpected play %+v", play)
	}
	task := play.Tasks[0]
	if task.Body == nil || len(task.Children) != 1 || task.Children[0].Path != "verify" {
		t.Errorf("unexpected task tree %+v", task)
	}
	if task.Children[0].Body != nil || len(task.Children[0].When) != 1 {
		t.Errorf("unexpected child task %+v", task.Children[0])
	}

	if _, err := m.Catalog(); err != nil {
		t.Errorf("Catalog: %v", err)
	}
}

func TestCUEParser_DecodedVariablesResolve(t *testing.T) {
	cp := newTestParser(t)
	m, err := cp.LoadInline(context.Background(), shopModel)
	if err != nil {
		t.Fatalf("LoadInline: %v", err)
	}

	base := vars.NewTable(m.Environments[0].Vars...)
	prod := vars.NewTable(m.Environments[1].Vars...)
	shop := vars.NewTable(m.Projects[0].Vars...)
	rc := vars.NewContext(nil, vars.NewLayered(base, prod, shop))

	tests := []struct {
		name string
		want any
	}{
		{"db.url", "postgres://db-1:5432"},
		{"packages", []any{"curl", "git", "vim"}},
		{"app.bind", 8080},
		{"release.version", "1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rc.ConcreteName(vars.ParseName(tt.name))
			if err != nil {
				t.Fatalf("resolve %s: %v", tt.name, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	var channel vars.Variable
	for _, v := range m.Projects[0].Vars {
		if v.Name().String() == "release.channel" {
			channel = v
		}
	}
	param, ok := vars.AsParam(channel)
	if !ok {
		t.Fatalf("release.channel is not a parameter")
	}
	if !param.IsRequired() || len(param.AllowedValues()) != 2 {
		t.Errorf("unexpected parameter options: required=%v choices=%v", param.IsRequired(), param.AllowedValues())
	}
}

func TestCUEParser_DecodeDirectives(t *testing.T) {
	cp := newTestParser(t)

	tests := []struct {
		name    string
		vars    string
		kind    string
		wantErr string
	}{
		{name: "plain struct", vars: `"a": {x: 1, y: 2}`, kind: "value"},
		{name: "ref", vars: `"a": {$ref: "b"}`, kind: "lazy"},
		{name: "cached lazy", vars: `"a": {$cached: {$lazy: "1 + 1"}}`, kind: "cached"},
		{name: "encrypted", vars: `"a": {$encrypted: "c2VjcmV0"}`, kind: "encrypted"},
		{name: "abstract", vars: `"a": {$abstract: true}`, kind: "abstract"},
		{name: "transform", vars: `"a": {$transform: {value: [3, 1, 2], expr: "sorted(value)"}}`, kind: "transform"},
		{name: "map", vars: `"a": {$map: {k: 1}}`, kind: "cascade-map"},
		{name: "unknown directive", vars: `"a": {$bogus: 1}`, wantErr: "unknown directive $bogus"},
		{name: "nested marker", vars: `"a": {$cached: {$append: 1}}`, wantErr: "only allowed at the top"},
		{name: "bad lazy", vars: `"a": {$lazy: "1 +"}`, wantErr: "failed to compile"},
		{name: "bad name", vars: `"a..b": 1`, wantErr: "a..b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := cp.LoadInline(context.Background(), "environments: dev: vars: {"+tt.vars+"}")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadInline: %v", err)
			}
			vs := m.Environments[0].Vars
			if len(vs) != 1 {
				t.Fatalf("expected 1 variable, got %d", len(vs))
			}
			if got := vars.Kind(vs[0]); got != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, got)
			}
		})
	}
}

func TestCUEParser_Markers(t *testing.T) {
	cp := newTestParser(t)
	m, err := cp.LoadInline(context.Background(), `
environments: dev: vars: {
	"ports": {$appendAt: {index: 0, value: 22}}
	"labels": {$put: {a: "1", b: "2"}}
	"extra": {$expand: {$ref: "more"}}
}`)
	if err != nil {
		t.Fatalf("LoadInline: %v", err)
	}
	var names []string
	for _, v := range m.Environments[0].Vars {
		names = append(names, v.Name().String())
	}
	want := []string{"ports.*", "labels.*", "labels.*", "extra.*"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("marker names mismatch (-want +got):\n%s", diff)
	}
}

func TestCUEParser_ValidationErrors(t *testing.T) {
	cp := newTestParser(t)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "syntax error",
			content: "environments: {\n\tprod: {\n\tclass: \n}",
			want:    "inline",
		},
		{
			name:    "unknown class",
			content: `environments: prod: class: "staging"`,
			want:    "class",
		},
		{
			name:    "port out of range",
			content: `environments: prod: hosts: "web-1": port: 70000`,
			want:    "port",
		},
		{
			name:    "play without name",
			content: `playbooks: [{name: "deploy", plays: [{tasks: []}]}]`,
			want:    "name",
		},
		{
			name:    "bad predicate",
			content: `projects: shop: when: ["env.class =="]`,
			want:    "projects.shop",
		},
		{
			name:    "bad task body",
			content: `playbooks: [{name: "deploy", plays: [{name: "p", tasks: [{path: "t", body: "if True\n"}]}]}]`,
			want:    "failed to compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cp.LoadInline(context.Background(), tt.content)
			if err == nil {
				t.Fatal("expected error, got none")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) || len(verrs) == 0 {
				t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCUEParser_LoadFilesAndDirectories(t *testing.T) {
	cp := newTestParser(t)
	ctx := context.Background()

	dir := t.TempDir()
	envFile := filepath.Join(dir, "envs.cue")
	if err := os.WriteFile(envFile, []byte(`environments: qa: class: "test"`), 0o644); err != nil {
		t.Fatal(err)
	}

	pkgDir := filepath.Join(dir, "model")
	if err := os.Mkdir(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"projects.cue":  "package model\n\nprojects: api: playbook: \"deploy\"\n",
		"playbooks.cue": "package model\n\nplaybooks: [{name: \"deploy\", plays: [{name: \"p\", tasks: []}]}]\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(pkgDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m, err := cp.Load(ctx, []string{envFile, pkgDir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Environments) != 1 || len(m.Projects) != 1 || len(m.Playbooks) != 1 {
		t.Errorf("unexpected model: %d envs, %d projects, %d playbooks",
			len(m.Environments), len(m.Projects), len(m.Playbooks))
	}
	if len(m.SourceFiles) != 3 {
		t.Errorf("expected 3 source files, got %v", m.SourceFiles)
	}

	if _, err := cp.Load(ctx, nil); err == nil {
		t.Error("expected error for no sources")
	}
	if _, err := cp.Load(ctx, []string{filepath.Join(dir, "missing.cue")}); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestCUEParser_ConflictingSources(t *testing.T) {
	cp := newTestParser(t)
	dir := t.TempDir()

	a := filepath.Join(dir, "a.cue")
	b := filepath.Join(dir, "b.cue")
	if err := os.WriteFile(a, []byte(`environments: qa: class: "test"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte(`environments: qa: class: "prod"`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := cp.Load(context.Background(), []string{a, b}); err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestCUEParser_ParameterSpecs(t *testing.T) {
	cp := newTestParser(t)
	m, err := cp.LoadInline(context.Background(), `
playbooks: [
	{name: "deploy", parameterSpecs: {"deploy.mode": "fast"}, plays: [{name: "quick", tasks: []}]},
	{name: "deploy", parameterSpecs: {"deploy.mode": "safe", "deploy.batch": 2}, plays: [{name: "careful", tasks: []}]},
]`)
	if err != nil {
		t.Fatalf("LoadInline: %v", err)
	}
	want := map[string]any{"deploy.mode": "safe", "deploy.batch": 2}
	if diff := cmp.Diff(want, m.Playbooks[1].ParameterSpecs); diff != "" {
		t.Errorf("parameter specs mismatch (-want +got):\n%s", diff)
	}

	cat, err := m.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if got := cat.Instances("deploy"); got != 2 {
		t.Errorf("expected 2 instances of deploy, got %d", got)
	}
}
