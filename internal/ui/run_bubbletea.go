package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"evvosfix/internal/app"
	core "evvosfix/internal/core"
	"evvosfix/internal/store"
	"evvosfix/internal/util"
	verinfo "evvosfix/internal/version"
)

type mode int

const (
	modeTable mode = iota
	modeAlias
	modeConfirmRollback
)

type row struct {
	in      core.Inspection
	last    store.Record
	hasLast bool
}

type model struct {
	ctx  context.Context
	app  *app.App
	rows []row
	idx  int

	m       mode
	aliasIn textinput.Model
	formErr string

	spin      spinner.Model
	busy      bool
	busyLabel string

	status  string
	report  *core.Report
	lastErr error

	width  int
	height int

	tools map[string]toolState
}

var (
	styleHeader    = lipgloss.NewStyle().Bold(true)
	styleSel       = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	styleMuted     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleKey       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	styleStatusOK  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleStatusErr = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleWarn      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// maxDiffLines bounds the diff shown under the table.
const maxDiffLines = 12

func initialModel(ctx context.Context, a *app.App) model {
	m := model{ctx: ctx, app: a, m: modeTable, tools: map[string]toolState{}}
	m.aliasIn = textinput.New()
	m.aliasIn.Placeholder = a.Config.BLEName.Alias
	m.aliasIn.CharLimit = core.MaxAliasLen
	m.spin = spinner.New()
	m.spin.Spinner = spinner.Dot
	m.status = "Loading"
	for _, id := range core.AllFixes {
		m.rows = append(m.rows, row{in: core.Inspection{Fix: id, Status: core.StatusUnknown}})
	}
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(inspectCmd(m.ctx, m.app), scheduleToolCmds())
}

// async messages

type inspectMsg struct {
	ins  []core.Inspection
	last map[core.FixID]store.Record
}

type doneMsg struct {
	op  string
	rep core.Report
	err error
}

func inspectCmd(ctx context.Context, a *app.App) tea.Cmd {
	return func() tea.Msg {
		msg := inspectMsg{ins: a.Status(ctx), last: map[core.FixID]store.Record{}}
		if recs, err := a.History.ForFix(""); err == nil {
			for _, r := range recs {
				if _, ok := msg.last[r.Fix]; !ok {
					msg.last[r.Fix] = r
				}
			}
		}
		return msg
	}
}

func applyCmd(ctx context.Context, a *app.App, id core.FixID, opts core.ApplyOptions) tea.Cmd {
	return func() tea.Msg {
		rep, err := a.Apply(ctx, id, opts)
		op := "apply"
		if opts.DryRun {
			op = "dry run"
		}
		return doneMsg{op: op, rep: rep, err: err}
	}
}

func rollbackCmd(ctx context.Context, a *app.App, id core.FixID) tea.Cmd {
	return func() tea.Msg {
		rep, err := a.Rollback(ctx, id)
		return doneMsg{op: "rollback", rep: rep, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.busy {
			return m, nil
		}
		switch m.m {
		case modeTable:
			return m.updateTableKey(msg)
		case modeAlias:
			return m.updateAliasKey(msg)
		case modeConfirmRollback:
			return m.updateConfirmKey(msg)
		}
	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case inspectMsg:
		for i := range m.rows {
			for _, in := range msg.ins {
				if in.Fix == m.rows[i].in.Fix {
					m.rows[i].in = in
				}
			}
			m.rows[i].last, m.rows[i].hasLast = msg.last[m.rows[i].in.Fix]
		}
		if m.status == "Loading" {
			m.status = "Loaded"
		}
		return m, nil
	case doneMsg:
		m.busy = false
		rep := msg.rep
		m.report = &rep
		m.lastErr = msg.err
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %v", msg.op, rep.Fix, msg.err)
		} else {
			m.status = fmt.Sprintf("%s %s: %s", msg.op, rep.Fix, rep.State)
		}
		return m, inspectCmd(m.ctx, m.app)
	case toolMsg:
		m.tools[msg.name] = msg.toolState
		return m, nil
	}
	return m, nil
}

func (m model) selected() core.FixID { return m.rows[m.idx].in.Fix }

func (m model) start(label string, cmd tea.Cmd) (tea.Model, tea.Cmd) {
	m.busy = true
	m.busyLabel = label
	m.report = nil
	m.lastErr = nil
	return m, tea.Batch(cmd, m.spin.Tick)
}

func (m model) updateTableKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.idx > 0 {
			m.idx--
		}
	case "down", "j":
		if m.idx < len(m.rows)-1 {
			m.idx++
		}
	case "1", "2", "3":
		if i := int(msg.Runes[0] - '1'); i < len(m.rows) {
			m.idx = i
		}
	case "r":
		m.status = "Reloading"
		return m, tea.Batch(inspectCmd(m.ctx, m.app), scheduleToolCmds())
	case "enter":
		id := m.selected()
		return m.start("applying "+string(id), applyCmd(m.ctx, m.app, id, core.ApplyOptions{}))
	case "d":
		id := m.selected()
		return m.start("dry run "+string(id), applyCmd(m.ctx, m.app, id, core.ApplyOptions{DryRun: true}))
	case "e":
		if m.selected() != core.FixBLEName {
			m.status = "cannot set alias: only ble-name takes one"
			return m, nil
		}
		m.m = modeAlias
		m.formErr = ""
		m.aliasIn.SetValue(m.app.Config.BLEName.Alias)
		m.aliasIn.CursorEnd()
		m.aliasIn.Focus()
	case "b":
		if m.rows[m.idx].in.Backups == 0 {
			m.status = "cannot roll back: no backups"
			return m, nil
		}
		m.m = modeConfirmRollback
	case "q", "esc":
		return m, tea.Quit
	}
	return m, nil
}

func (m model) updateAliasKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		alias := strings.TrimSpace(m.aliasIn.Value())
		if err := core.ValidateAlias(alias); err != nil {
			m.formErr = err.Error()
			return m, nil
		}
		m.m = modeTable
		m.aliasIn.Blur()
		return m.start("renaming to "+alias, applyCmd(m.ctx, m.app, core.FixBLEName, core.ApplyOptions{Alias: alias}))
	case "esc":
		m.m = modeTable
		m.formErr = ""
		m.aliasIn.Blur()
		return m, nil
	default:
		var cmd tea.Cmd
		m.aliasIn, cmd = m.aliasIn.Update(msg)
		return m, cmd
	}
}

func (m model) updateConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.m = modeTable
		id := m.selected()
		return m.start("rolling back "+string(id), rollbackCmd(m.ctx, m.app, id))
	case "n", "esc", "q":
		m.m = modeTable
	}
	return m, nil
}

func (m model) View() string {
	return m.renderTop() + "\n" + m.renderTable() + m.renderDetailBottom() + "\n" + m.help()
}

func (m model) renderTop() string {
	name := verinfo.Name
	if name == "" {
		name = "evvosfix"
	}
	ver := verinfo.Version
	if ver == "" {
		ver = "dev"
	}
	left := styleHeader.Render(name) + " " + styleMuted.Render(ver)
	if tools := m.renderTools(); tools != "" {
		left += "  " + styleMuted.Render(tools)
	}

	st := m.status
	if m.busy {
		st = m.spin.View() + " " + m.busyLabel
	}
	stStyle := styleStatusOK
	ls := strings.ToLower(st)
	if strings.Contains(ls, "failed") || strings.Contains(ls, "error") || strings.Contains(ls, "cannot") {
		stStyle = styleStatusErr
	}
	// two lines when the header does not fit; the status may be truncated
	if m.width > 0 && lipgloss.Width(left)+lipgloss.Width(st)+11 > m.width {
		avail := m.width - len("Status: ")
		if avail < 8 {
			avail = 8
		}
		return left + "\n" + "Status: " + stStyle.Render(util.Truncate(st, avail))
	}
	return left + " | Status: " + stStyle.Render(st)
}

func (m model) renderTools() string {
	var parts []string
	for _, t := range hostTools {
		st, ok := m.tools[t.name]
		switch {
		case !ok:
			parts = append(parts, t.name+" …")
		case !st.installed:
			parts = append(parts, t.name+" missing")
		default:
			parts = append(parts, t.name+" "+st.text)
		}
	}
	return strings.Join(parts, "  ")
}

func (m model) help() string {
	var b strings.Builder
	key := func(k, label string) {
		b.WriteString(styleKey.Render(k))
		b.WriteString(" " + label + "  ")
	}
	switch m.m {
	case modeAlias:
		b.WriteString("Alias: ")
		key("[Enter]", "Apply")
		key("[Esc]", "Cancel")
		return strings.TrimRight(b.String(), " ")
	case modeConfirmRollback:
		b.WriteString("Rollback: ")
		b.WriteString(styleKey.Render(string(m.selected())))
		b.WriteString("  ")
		key("[y]", "Yes")
		key("[n/Esc]", "Cancel")
		return strings.TrimRight(b.String(), " ")
	}
	b.WriteString("Actions: ")
	key("[↑/↓]", "Move")
	key("[Enter]", "Apply")
	key("[d]", "Dry run")
	key("[e]", "Alias")
	key("[b]", "Rollback")
	key("[r]", "Reload")
	key("[q]", "Quit")
	return strings.TrimRight(b.String(), " ")
}

func fixTitle(id core.FixID) string {
	switch id {
	case core.FixBLEName:
		return "BLE name"
	case core.FixCharFlags:
		return "GATT flags"
	case core.FixCameraRotate:
		return "Camera 180°"
	default:
		return string(id)
	}
}

func statusStyle(s core.Status) lipgloss.Style {
	switch s {
	case core.StatusAlreadyPatched:
		return styleStatusOK
	case core.StatusUnpatched:
		return styleWarn
	case core.StatusUnknown:
		return styleMuted
	default:
		return styleStatusErr
	}
}

// computeWidths for columns: Fix, Status, Service, Backups, Target.
func (m model) computeWidths() []int {
	wFix, wStatus, wSvc, wBak := 16, 15, 10, 7
	minTarget := 20
	overhead := 16 // borders and padding for five columns
	fixed := wFix + wStatus + wSvc + wBak
	target := int(float64(m.width) * 0.8)
	if target < fixed+overhead+minTarget {
		target = fixed + overhead + minTarget
	}
	return []int{wFix, wStatus, wSvc, wBak, target - fixed - overhead}
}

func (m model) renderTable() string {
	widths := m.computeWidths()
	seg := func(w int) string { return strings.Repeat("─", w+2) }
	border := func(left, mid, right string) string {
		var b strings.Builder
		b.WriteString(left)
		for i, w := range widths {
			b.WriteString(seg(w))
			if i < len(widths)-1 {
				b.WriteString(mid)
			} else {
				b.WriteString(right)
			}
		}
		return b.String() + "\n"
	}
	line := func(cells []string) string {
		return "│ " + strings.Join(cells, " │ ") + " │\n"
	}
	pad := func(s string, w int) string {
		s = util.Truncate(s, w)
		if n := w - lipgloss.Width(s); n > 0 {
			s += strings.Repeat(" ", n)
		}
		return s
	}

	var out strings.Builder
	out.WriteString(border("╭", "┬", "╮"))
	hdr := []string{"Fix", "Status", "Service", "Backups", "Target"}
	for i := range hdr {
		hdr[i] = pad(hdr[i], widths[i])
	}
	out.WriteString(line(hdr))
	out.WriteString(border("├", "┼", "┤"))
	for i, r := range m.rows {
		svc := r.in.Service
		if svc == "" {
			svc = "-"
		}
		cells := []string{
			pad(fmt.Sprintf("[%d] %s", i+1, fixTitle(r.in.Fix)), widths[0]),
			pad(string(r.in.Status), widths[1]),
			pad(svc, widths[2]),
			pad(fmt.Sprintf("%d", r.in.Backups), widths[3]),
			pad(r.in.Target, widths[4]),
		}
		if i == m.idx {
			for j := range cells {
				cells[j] = styleSel.Render(cells[j])
			}
		} else {
			cells[1] = statusStyle(r.in.Status).Render(cells[1])
		}
		out.WriteString(line(cells))
		if i < len(m.rows)-1 {
			out.WriteString(border("├", "┼", "┤"))
		}
	}
	out.WriteString(border("╰", "┴", "╯"))
	return out.String()
}

func (m model) renderDetailBottom() string {
	r := m.rows[m.idx]
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render("\nDetails") + "\n")
	fmt.Fprintf(&b, "Fix: %s (%s)  Unit: %s\n", r.in.Fix, fixTitle(r.in.Fix), r.in.Unit)
	if r.in.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", util.Truncate(r.in.Detail, max(m.width-8, 40)))
	}
	if r.hasLast {
		line := fmt.Sprintf("Last run: %s  %s  %s", r.last.StartedAt.Local().Format(time.DateTime), r.last.State, r.last.Duration.Round(time.Millisecond))
		if r.last.DryRun {
			line += "  (dry run)"
		}
		b.WriteString(line + "\n")
		if r.last.Error != "" {
			b.WriteString(styleStatusErr.Render("Error: "+util.Truncate(r.last.Error, max(m.width-8, 40))) + "\n")
		}
	}

	switch m.m {
	case modeAlias:
		b.WriteString("\nAdvertised name for ble-name:\n")
		b.WriteString("Alias: " + m.aliasIn.View() + "\n")
		if m.formErr != "" {
			b.WriteString(styleStatusErr.Render(m.formErr) + "\n")
		}
	case modeConfirmRollback:
		b.WriteString("\nConfirm Rollback:\n")
		fmt.Fprintf(&b, "Restore the latest of %d backup(s) of %s and restart %s.\n", r.in.Backups, r.in.Target, r.in.Unit)
		b.WriteString("Press 'y' to confirm, 'n' or 'Esc' to cancel.\n")
	default:
		if m.report != nil && m.report.Fix == r.in.Fix {
			b.WriteString(m.renderReport())
		}
	}
	return b.String()
}

func (m model) renderReport() string {
	rep := m.report
	var b strings.Builder
	b.WriteString("\n")
	for _, n := range rep.Notes {
		b.WriteString("• " + n + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(styleStatusErr.Render(m.lastErr.Error()) + "\n")
	}
	if rep.Diff != "" {
		lines := strings.Split(strings.TrimRight(rep.Diff, "\n"), "\n")
		if len(lines) > maxDiffLines {
			more := len(lines) - maxDiffLines
			lines = append(lines[:maxDiffLines], fmt.Sprintf("… %d more line(s)", more))
		}
		b.WriteString(styleMuted.Render(util.Indent(strings.Join(lines, "\n"), "  ")))
	}
	return b.String()
}

// Run starts the TUI program. ctx cancels any fix in flight.
func Run(ctx context.Context, a *app.App) error {
	p := tea.NewProgram(initialModel(ctx, a), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
