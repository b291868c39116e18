package runner

import (
	"strings"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScriptParams(t *testing.T) ScriptParams {
	return ScriptParams{
		RunnerURL:         mustParse(t, "https://github.com/acme"),
		RegistrationToken: RegistrationToken{Token: "AABBCCDDEE"},
		DownloadURL:       mustParse(t, "https://github.com/actions/runner/releases/download/v2.319.1/actions-runner-linux-x64-2.319.1.tar.gz"),
		RunnerName:        "CI Runner 7",
		Options: Options{
			Scope:  ScopeOrganization,
			Labels: "self-hosted,linux",
			Group:  "Default",
			Name:   "CI Runner",
		},
	}
}

// assignment returns the value assigned to name in script, unquoted the
// way a shell would.
func assignment(t *testing.T, script, name string) string {
	t.Helper()
	for _, line := range strings.Split(script, "\n") {
		if rest, ok := strings.CutPrefix(line, name+"="); ok {
			words, err := shellquote.Split(rest)
			require.NoError(t, err)
			require.Len(t, words, 1, "assignment to %s must be a single word", name)
			return words[0]
		}
	}
	t.Fatalf("no assignment to %s in script", name)
	return ""
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", quote(""))
	assert.Equal(t, "plain", quote("plain"))
	assert.Equal(t, "https://github.com/acme", quote("https://github.com/acme"))
	assert.Equal(t, "'CI Runner 7'", quote("CI Runner 7"))

	for _, s := range []string{
		"CI Runner 7",
		"it's",
		"$(reboot)",
		"`id`",
		"a;b|c&d",
		"multi\nline",
		"quote \" and ' both",
	} {
		t.Run(s, func(t *testing.T) {
			words, err := shellquote.Split(quote(s))
			require.NoError(t, err)
			assert.Equal(t, []string{s}, words)
		})
	}
}

func TestComposeScript_Assignments(t *testing.T) {
	p := testScriptParams(t)

	script, err := ComposeScript(p)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Equal(t, "https://github.com/acme", assignment(t, script, "RUNNER_URL"))
	assert.Equal(t, "AABBCCDDEE", assignment(t, script, "RUNNER_TOKEN"))
	assert.Equal(t, p.DownloadURL.String(), assignment(t, script, "RUNNER_DOWNLOAD_URL"))
	assert.Equal(t, "CI Runner 7", assignment(t, script, "RUNNER_NAME"))
	assert.Equal(t, "self-hosted,linux", assignment(t, script, "RUNNER_LABELS"))
	assert.Equal(t, "Default", assignment(t, script, "RUNNER_GROUP"))
	assert.Equal(t, "https://github.com", assignment(t, script, "PLATFORM_URL"))
	assert.Equal(t, "_work", assignment(t, script, "WORK_DIRECTORY"))
	assert.Contains(t, script, "RUNNER_NAME='CI Runner 7'\n")
}

func TestComposeScript_HostileValuesStayOneWord(t *testing.T) {
	p := testScriptParams(t)
	p.RunnerName = "x'; sudo reboot; echo '"
	p.Options.Labels = "a b,$(id)"
	p.Options.Group = "my `group`"

	script, err := ComposeScript(p)
	require.NoError(t, err)

	assert.Equal(t, p.RunnerName, assignment(t, script, "RUNNER_NAME"))
	assert.Equal(t, p.Options.Labels, assignment(t, script, "RUNNER_LABELS"))
	assert.Equal(t, p.Options.Group, assignment(t, script, "RUNNER_GROUP"))
}

func TestComposeScript_SingleExitTrap(t *testing.T) {
	for _, disableUpdates := range []bool{false, true} {
		for _, disableDefaultLabels := range []bool{false, true} {
			p := testScriptParams(t)
			p.Options.DisableUpdates = disableUpdates
			p.Options.DisableDefaultLabels = disableDefaultLabels

			script, err := ComposeScript(p)
			require.NoError(t, err)

			assert.Equal(t, 1, strings.Count(script, "trap "))
			assert.Contains(t, script, "trap shutdown_host EXIT\n")
			assert.Contains(t, script, "sudo shutdown -h now")
		}
	}
}

func TestComposeScript_OptionalFlags(t *testing.T) {
	tests := []struct {
		name                 string
		disableUpdates       bool
		disableDefaultLabels bool
	}{
		{"none", false, false},
		{"disable updates", true, false},
		{"no default labels", false, true},
		{"both", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testScriptParams(t)
			p.Options.DisableUpdates = tt.disableUpdates
			p.Options.DisableDefaultLabels = tt.disableDefaultLabels

			script, err := ComposeScript(p)
			require.NoError(t, err)

			assert.Equal(t, tt.disableUpdates, strings.Contains(script, "--disableupdate"))
			assert.Equal(t, tt.disableDefaultLabels, strings.Contains(script, "--no-default-labels"))
		})
	}
}

func TestComposeScript_ConfigureInvocation(t *testing.T) {
	p := testScriptParams(t)
	p.Options.DisableUpdates = true
	p.Options.DisableDefaultLabels = true

	script, err := ComposeScript(p)
	require.NoError(t, err)

	start := strings.Index(script, "./config.sh")
	end := strings.Index(script, "./run.sh")
	require.GreaterOrEqual(t, start, 0)
	require.Greater(t, end, start)

	// Join continuation lines the way the shell would.
	invocation := strings.ReplaceAll(script[start:end], "\\\n", " ")
	args, err := shellquote.Split(invocation)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"./config.sh",
		"--url", "$RUNNER_URL",
		"--unattended",
		"--ephemeral",
		"--replace",
		"--labels", "$RUNNER_LABELS",
		"--name", "$RUNNER_NAME",
		"--runnergroup", "$RUNNER_GROUP",
		"--work", "$WORK_DIRECTORY",
		"--token", "$RUNNER_TOKEN",
		"--disableupdate",
		"--no-default-labels",
	}, args)
}

func TestComposeScript_Ordering(t *testing.T) {
	script, err := ComposeScript(testScriptParams(t))
	require.NoError(t, err)

	steps := []string{
		"trap shutdown_host EXIT",
		"until curl -Is \"$PLATFORM_URL\"",
		"curl -fsSL -o \"$RUNNER_ARCHIVE\" \"$RUNNER_DOWNLOAD_URL\"",
		"tar xzf \"$RUNNER_ARCHIVE\"",
		"ACTIONS_RUNNER_HOOK_JOB_STARTED=",
		"ACTIONS_RUNNER_HOOK_JOB_COMPLETED=",
		"./config.sh",
		"./run.sh",
	}
	last := -1
	for _, step := range steps {
		i := strings.Index(script, step)
		require.GreaterOrEqual(t, i, 0, "missing %q", step)
		assert.Greater(t, i, last, "%q out of order", step)
		last = i
	}
}

func TestComposeScript_IdempotentDownloadGuard(t *testing.T) {
	script, err := ComposeScript(testScriptParams(t))
	require.NoError(t, err)

	assert.Contains(t, script, `if [ ! -d "$RUNNER_DIRECTORY" ] && [ ! -f "$RUNNER_ARCHIVE" ]; then`)
	assert.Contains(t, script, `if [ -f "$PRE_RUN_HOOK" ]; then`)
	assert.Contains(t, script, `if [ -f "$POST_RUN_HOOK" ]; then`)
	assert.Contains(t, script, `>> "$RUNNER_DIRECTORY/.env"`)
}

func TestComposeScript_Deterministic(t *testing.T) {
	a, err := ComposeScript(testScriptParams(t))
	require.NoError(t, err)
	b, err := ComposeScript(testScriptParams(t))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComposeScript_RequiresURLs(t *testing.T) {
	p := testScriptParams(t)
	p.RunnerURL = nil
	_, err := ComposeScript(p)
	assert.Error(t, err)

	p = testScriptParams(t)
	p.DownloadURL = nil
	_, err = ComposeScript(p)
	assert.Error(t, err)
}

func TestWriteScriptCommand(t *testing.T) {
	script := "#!/bin/sh\necho 'hello world'\n"

	words, err := shellquote.Split(writeScriptCommand(script))
	require.NoError(t, err)
	assert.Equal(t, []string{"printf", "%s\\n", "#!/bin/sh\necho 'hello world'", ">", ScriptPath}, words)
}
