package ui

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

var verRe = regexp.MustCompile(`(?i)\bv?\d+(?:\.\d+)+(?:-[0-9A-Za-z.\-]+)?|\b\d{3,}\b`)

type hostTool struct {
	name string
	args []string
}

// hostTools are the binaries the fixes shell out to.
var hostTools = []hostTool{
	{name: "python3", args: []string{"--version"}},
	{name: "systemctl", args: []string{"--version"}},
	{name: "journalctl", args: []string{"--version"}},
}

type toolState struct {
	text      string
	installed bool
	at        time.Time
}

type toolMsg struct {
	name string
	toolState
}

// probeTool runs a host tool with its version flag and parses the output.
// If not installed, text is "missing". If the output cannot be parsed, text is "?".
func probeTool(t hostTool) toolState {
	st := toolState{at: time.Now()}
	if _, err := exec.LookPath(t.name); err != nil {
		st.text = "missing"
		return st
	}
	st.installed = true
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	out, err := exec.CommandContext(ctx, t.name, t.args...).CombinedOutput()
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		st.text = "?"
		return st
	}
	st.text = parseVersion(string(out))
	return st
}

func parseVersion(out string) string {
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if m := verRe.FindString(s); m != "" {
		return m
	}
	return "?"
}

func toolCmd(t hostTool) tea.Cmd {
	return func() tea.Msg {
		return toolMsg{name: t.name, toolState: probeTool(t)}
	}
}

func scheduleToolCmds() tea.Cmd {
	cmds := make([]tea.Cmd, 0, len(hostTools))
	for _, t := range hostTools {
		cmds = append(cmds, toolCmd(t))
	}
	return tea.Batch(cmds...)
}
