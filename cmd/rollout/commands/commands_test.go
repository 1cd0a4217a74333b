package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/rollout/pkg/engine"
)

const testModel = `
environments: {
	dev: {
		class: "local"
		description: "workstation"
		labels: {team: "core"}
		hosts: {
			"box-1": {channel: "local", labels: {role: "app"}}
			"box-2": {channel: "local", retired: true}
		}
		hostGroups: {
			app: {hosts: ["box-1"], hostsRetired: ["box-2"]}
		}
	}
}

projects: {
	hello: {
		playbook: "deploy"
		vars: {
			"greeting": {$param: {default: "hello", description: "what to say", order: 1}}
			"internal.token": {$param: {default: "x", hidden: true}}
		}
	}
}

playbooks: [{
	name: "deploy"
	plays: [{
		name: "say"
		hosts: "group:app"
		serial: 1.0
		tasks: [{
			path: "echo"
			body: "ssh('echo ' + var('greeting'))"
		}]
	}]
}]
`

// writeWorkspace lays out a settings file and a model in a temp directory
// and returns the settings path.
func writeWorkspace(t *testing.T, model string) string {
	t.Helper()
	dir := t.TempDir()
	settings := `
[model]
paths = ["model.cue"]

[store]
path = "state/rollout.db"

[secrets]
key_dir = "state/keys"

[locks]
dir = "state/locks"
retry_delay = "10ms"

[workspace]
root = "state/builds"

[telemetry.logging]
level = "error"
`
	if err := os.WriteFile(filepath.Join(dir, "rollout.toml"), []byte(settings), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.cue"), []byte(model), 0o600); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, "rollout.toml")
}

// runCommand executes the root command with args and returns its stdout
// and stderr.
func runCommand(t *testing.T, settings string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand("test", "none", "never")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", settings}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestValidateCommand(t *testing.T) {
	settings := writeWorkspace(t, testModel)

	out, _, err := runCommand(t, settings, "validate", "--json")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	want := map[string]int{"files": 1, "environments": 1, "projects": 1, "playbooks": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateCommandReportsErrors(t *testing.T) {
	settings := writeWorkspace(t, `environments: dev: hosts: h: channel: "telnet"`)

	_, stderr, err := runCommand(t, settings, "validate")
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
	if stderr == "" {
		t.Error("expected validation errors on stderr")
	}
}

func TestEnvsCommand(t *testing.T) {
	settings := writeWorkspace(t, testModel)

	out, _, err := runCommand(t, settings, "envs", "--json", "--class", "local")
	if err != nil {
		t.Fatalf("envs: %v", err)
	}
	var got []struct {
		Name  string `json:"name"`
		Class string `json:"class"`
		Hosts int    `json:"hosts"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 1 || got[0].Name != "dev" || got[0].Class != "local" || got[0].Hosts != 2 {
		t.Errorf("unexpected environments %+v", got)
	}

	out, _, err = runCommand(t, settings, "envs", "--dot")
	if err != nil {
		t.Fatalf("envs --dot: %v", err)
	}
	if !strings.Contains(out, "digraph") || !strings.Contains(out, "dev") {
		t.Errorf("unexpected DOT output:\n%s", out)
	}
}

func TestParamsCommand(t *testing.T) {
	settings := writeWorkspace(t, testModel)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "visible", args: nil, want: []string{"greeting"}},
		{name: "all", args: []string{"--all"}, want: []string{"greeting", "internal.token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"params", "hello", "dev", "--json"}, tt.args...)
			out, _, err := runCommand(t, settings, args...)
			if err != nil {
				t.Fatalf("params: %v", err)
			}
			var params []struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal([]byte(out), &params); err != nil {
				t.Fatalf("decode %q: %v", out, err)
			}
			var got []string
			for _, p := range params {
				got = append(got, p.Name)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parameters mismatch (-want +got):\n%s", diff)
			}
		})
	}

	out, _, err := runCommand(t, settings, "params", "hello", "dev", "--template")
	if err != nil {
		t.Fatalf("params --template: %v", err)
	}
	if strings.TrimSpace(out) != "greeting: hello" {
		t.Errorf("unexpected template:\n%s", out)
	}
}

func TestRunAndHistory(t *testing.T) {
	settings := writeWorkspace(t, testModel)

	out, _, err := runCommand(t, settings, "run", "hello", "dev", "--yes", "--json", "-P", "greeting=hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var result engine.BuildResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if result.Status != engine.RunStatusSucceeded {
		t.Fatalf("expected a succeeded build, got %s: %s", result.Status, result.Error)
	}
	if len(result.Plays) != 1 || result.Plays[0].Name != "say" {
		t.Fatalf("unexpected plays %+v", result.Plays)
	}

	out, _, err = runCommand(t, settings, "history", "--json", "--project", "hello")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var builds []struct {
		ID     string         `json:"id"`
		Status string         `json:"status"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(out), &builds); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(builds) != 1 || builds[0].ID != result.ID || builds[0].Status != "succeeded" {
		t.Fatalf("unexpected history %+v", builds)
	}
	if builds[0].Params["greeting"] != "hi" {
		t.Errorf("expected the greeting parameter to be recorded, got %v", builds[0].Params)
	}

	out, _, err = runCommand(t, settings, "history", result.ID)
	if err != nil {
		t.Fatalf("history %s: %v", result.ID, err)
	}
	for _, want := range []string{result.ID, "say", "box-1", "greeting = hi"} {
		if !strings.Contains(out, want) {
			t.Errorf("build detail lacks %q:\n%s", want, out)
		}
	}
}

func TestRunUnknownProject(t *testing.T) {
	settings := writeWorkspace(t, testModel)

	_, _, err := runCommand(t, settings, "run", "nope", "dev", "--yes")
	if err == nil {
		t.Fatal("expected an error for an unknown project")
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		t.Errorf("an unknown project should be reported, not turned into an exit status: %v", err)
	}
}

func TestQueueEmpty(t *testing.T) {
	settings := writeWorkspace(t, testModel)

	out, _, err := runCommand(t, settings, "queue", "--json")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if strings.TrimSpace(out) != "[]" && strings.TrimSpace(out) != "null" {
		t.Errorf("expected an empty queue, got %s", out)
	}

	if _, _, err := runCommand(t, settings, "queue", "run", "--yes"); err != nil {
		t.Errorf("draining an empty queue: %v", err)
	}
}
