package runner

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/kballard/go-shellquote"
)

// Options is the runner configuration read from the config file.
type Options struct {
	Scope Scope
	// Labels is passed to config.sh --labels (comma separated).
	Labels               string
	Group                string
	Name                 string
	DisableUpdates       bool
	DisableDefaultLabels bool
}

// ScriptParams are the inputs of ComposeScript.
type ScriptParams struct {
	RunnerURL         *url.URL
	RegistrationToken RegistrationToken
	DownloadURL       *url.URL
	RunnerName        string
	Options           Options
}

const (
	// ScriptPath is where the lifecycle script is written on the
	// virtual machine.  It is emitted unquoted so the remote shell
	// expands the tilde.
	ScriptPath = "~/start-runner.sh"

	// WorkDirectory is the runner's work folder, relative to the runner
	// directory.
	WorkDirectory = "_work"
)

// quote renders s as one shell word.  Every dynamic value in the
// lifecycle script goes through here.
func quote(s string) string {
	return shellquote.Join(s)
}

var scriptTemplate = template.Must(template.New("start-runner").
	Funcs(template.FuncMap{"quote": quote}).
	Parse(`#!/bin/sh
set -eu

RUNNER_URL={{ quote .RunnerURL }}
RUNNER_TOKEN={{ quote .Token }}
RUNNER_DOWNLOAD_URL={{ quote .DownloadURL }}
RUNNER_NAME={{ quote .Name }}
RUNNER_LABELS={{ quote .Labels }}
RUNNER_GROUP={{ quote .Group }}
PLATFORM_URL={{ quote .PlatformURL }}
WORK_DIRECTORY={{ quote .WorkDirectory }}
RUNNER_DIRECTORY="$HOME/actions-runner"
RUNNER_ARCHIVE="$HOME/actions-runner.tar.gz"
HOOKS_DIRECTORY="$HOME/.vmrunner"

# The machine serves exactly one job and is reclaimed afterwards.
shutdown_host() {
	sudo shutdown -h now
}
trap shutdown_host EXIT

until curl -Is "$PLATFORM_URL" >/dev/null 2>&1; do
	sleep 1
done

if [ ! -d "$RUNNER_DIRECTORY" ] && [ ! -f "$RUNNER_ARCHIVE" ]; then
	curl -fsSL -o "$RUNNER_ARCHIVE" "$RUNNER_DOWNLOAD_URL"
fi
if [ ! -d "$RUNNER_DIRECTORY" ]; then
	mkdir -p "$RUNNER_DIRECTORY"
	tar xzf "$RUNNER_ARCHIVE" -C "$RUNNER_DIRECTORY"
fi

PRE_RUN_HOOK="$HOOKS_DIRECTORY/pre-run.sh"
if [ -f "$PRE_RUN_HOOK" ]; then
	ACTIONS_RUNNER_HOOK_JOB_STARTED="$PRE_RUN_HOOK"
	export ACTIONS_RUNNER_HOOK_JOB_STARTED
	echo "ACTIONS_RUNNER_HOOK_JOB_STARTED=$PRE_RUN_HOOK" >> "$RUNNER_DIRECTORY/.env"
fi
POST_RUN_HOOK="$HOOKS_DIRECTORY/post-run.sh"
if [ -f "$POST_RUN_HOOK" ]; then
	ACTIONS_RUNNER_HOOK_JOB_COMPLETED="$POST_RUN_HOOK"
	export ACTIONS_RUNNER_HOOK_JOB_COMPLETED
	echo "ACTIONS_RUNNER_HOOK_JOB_COMPLETED=$POST_RUN_HOOK" >> "$RUNNER_DIRECTORY/.env"
fi

cd "$RUNNER_DIRECTORY"
./config.sh \
	--url "$RUNNER_URL" \
	--unattended \
	--ephemeral \
	--replace \
	--labels "$RUNNER_LABELS" \
	--name "$RUNNER_NAME" \
	--runnergroup "$RUNNER_GROUP" \
	--work "$WORK_DIRECTORY" \
	--token "$RUNNER_TOKEN"{{ if .DisableUpdates }} \
	--disableupdate{{ end }}{{ if .DisableDefaultLabels }} \
	--no-default-labels{{ end }}

./run.sh
`))

type scriptData struct {
	RunnerURL            string
	Token                string
	DownloadURL          string
	Name                 string
	Labels               string
	Group                string
	PlatformURL          string
	WorkDirectory        string
	DisableUpdates       bool
	DisableDefaultLabels bool
}

// ComposeScript renders the lifecycle script that downloads,
// configures and runs one ephemeral runner and shuts the host down on
// exit.
func ComposeScript(p ScriptParams) (string, error) {
	if p.RunnerURL == nil {
		return "", fmt.Errorf("compose script: runner URL is required")
	}
	if p.DownloadURL == nil {
		return "", fmt.Errorf("compose script: download URL is required")
	}

	platform := url.URL{Scheme: p.RunnerURL.Scheme, Host: p.RunnerURL.Host}

	var buf bytes.Buffer
	err := scriptTemplate.Execute(&buf, scriptData{
		RunnerURL:            p.RunnerURL.String(),
		Token:                p.RegistrationToken.Token,
		DownloadURL:          p.DownloadURL.String(),
		Name:                 p.RunnerName,
		Labels:               p.Options.Labels,
		Group:                p.Options.Group,
		PlatformURL:          platform.String(),
		WorkDirectory:        WorkDirectory,
		DisableUpdates:       p.Options.DisableUpdates,
		DisableDefaultLabels: p.Options.DisableDefaultLabels,
	})
	if err != nil {
		return "", fmt.Errorf("compose script: %w", err)
	}
	return buf.String(), nil
}

// writeScriptCommand writes script to ScriptPath in one command.
func writeScriptCommand(script string) string {
	return "printf '%s\\n' " + quote(strings.TrimSuffix(script, "\n")) + " > " + ScriptPath
}
