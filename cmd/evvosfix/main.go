package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"evvosfix/internal/app"
	"evvosfix/internal/config"
	core "evvosfix/internal/core"
	"evvosfix/internal/fsx"
	"evvosfix/internal/service"
	ui "evvosfix/internal/ui"
	"evvosfix/internal/util"
	verinfo "evvosfix/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, "evvosfix - EVVOS device patch tool\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  evvosfix                              (interactive)\n")
	fmt.Fprintf(os.Stderr, "  evvosfix ble-name [--alias <name>] [--adapter <hciN>] [--no-persist] [--dry-run]\n")
	fmt.Fprintf(os.Stderr, "  evvosfix char-flags [--dry-run]\n")
	fmt.Fprintf(os.Stderr, "  evvosfix camera-rotate [--dry-run]\n")
	fmt.Fprintf(os.Stderr, "  evvosfix status\n")
	fmt.Fprintf(os.Stderr, "  evvosfix rollback --fix <id>\n")
	fmt.Fprintf(os.Stderr, "  evvosfix backups list --fix <id>\n")
	fmt.Fprintf(os.Stderr, "  evvosfix backups prune --fix <id> --keep <n>\n")
	fmt.Fprintf(os.Stderr, "  evvosfix history [--fix <id>]\n")
	fmt.Fprintf(os.Stderr, "  evvosfix version\n\n")
	fmt.Fprintf(os.Stderr, "Every command except version accepts --config <path> (default %s, env EVVOSFIX_CONFIG).\n", config.DefaultPath)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	// Default: TUI when no args
	if len(args) == 0 {
		a, code := open(config.Path())
		if a == nil {
			return code
		}
		defer a.Close()
		if err := ui.Run(ctx, a); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case string(core.FixBLEName):
		return bleNameCmd(ctx, rest)
	case string(core.FixCharFlags), string(core.FixCameraRotate):
		return fileFixCmd(ctx, core.FixID(cmd), rest)
	case "status":
		return statusCmd(ctx, rest)
	case "rollback":
		return rollbackCmd(ctx, rest)
	case "backups":
		return backupsCmd(rest)
	case "history":
		return historyCmd(rest)
	case "version":
		fmt.Printf("%s %s\n", verinfo.Name, verinfo.Version)
		return 0
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		return 2
	}
}

func open(path string) (*app.App, int) {
	a, err := app.New(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, 1
	}
	return a, 0
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg := fs.String("config", config.Path(), "config file")
	return fs, cfg
}

// parse reports ok=false with the exit code when parsing stops the command.
func parse(fs *flag.FlagSet, args []string) (int, bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return 0, true
	case errors.Is(err, flag.ErrHelp):
		return 0, false
	default:
		return 2, false
	}
}

func parseFix(s string) (core.FixID, int) {
	if s == "" {
		fmt.Fprintln(os.Stderr, "--fix is required")
		return "", 2
	}
	id, err := core.ParseFixID(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return "", 2
	}
	return id, 0
}

func bleNameCmd(ctx context.Context, args []string) int {
	fs, cfgPath := newFlagSet("ble-name")
	alias := fs.String("alias", "", "advertised name (default from config)")
	adapter := fs.String("adapter", "", "adapter name such as hci0 (default: first adapter)")
	noPersist := fs.Bool("no-persist", false, "do not rewrite BT_DEVICE_NAME in the daemon script")
	dry := fs.Bool("dry-run", false, "do not write, only show diff")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *alias != "" {
		if err := core.ValidateAlias(*alias); err != nil {
			fmt.Fprintln(os.Stderr, "invalid --alias:", err)
			return 2
		}
	}
	return applyFix(ctx, *cfgPath, core.FixBLEName, core.ApplyOptions{
		DryRun: *dry, Alias: *alias, Adapter: *adapter, NoPersist: *noPersist,
	})
}

func fileFixCmd(ctx context.Context, id core.FixID, args []string) int {
	fs, cfgPath := newFlagSet(string(id))
	dry := fs.Bool("dry-run", false, "do not write, only show diff")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	return applyFix(ctx, *cfgPath, id, core.ApplyOptions{DryRun: *dry})
}

func applyFix(ctx context.Context, cfgPath string, id core.FixID, opts core.ApplyOptions) int {
	a, code := open(cfgPath)
	if a == nil {
		return code
	}
	defer a.Close()

	rep, err := a.Apply(ctx, id, opts)
	if opts.DryRun {
		fmt.Print(rep.Diff)
	}
	printReport(rep)
	return finish(err)
}

func rollbackCmd(ctx context.Context, args []string) int {
	fs, cfgPath := newFlagSet("rollback")
	fix := fs.String("fix", "", "fix id: ble-name|char-flags|camera-rotate")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	id, code := parseFix(*fix)
	if code != 0 {
		return code
	}
	a, code := open(*cfgPath)
	if a == nil {
		return code
	}
	defer a.Close()

	rep, err := a.Rollback(ctx, id)
	printReport(rep)
	return finish(err)
}

func statusCmd(ctx context.Context, args []string) int {
	fs, cfgPath := newFlagSet("status")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	a, code := open(*cfgPath)
	if a == nil {
		return code
	}
	defer a.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIX\tSTATUS\tSERVICE\tBACKUPS\tTARGET\tDETAIL")
	for _, in := range a.Status(ctx) {
		svc := in.Service
		if svc == "" {
			svc = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%d\t%s\t%s\n",
			in.Fix, in.Status, in.Unit, svc, in.Backups, in.Target, util.Truncate(in.Detail, 80))
	}
	_ = tw.Flush()
	return 0
}

func backupsCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "backups subcommand required: list|prune")
		return 2
	}
	sub := args[0]
	if sub != "list" && sub != "prune" {
		fmt.Fprintf(os.Stderr, "unknown backups subcommand: %s\n", sub)
		return 2
	}
	fs, cfgPath := newFlagSet("backups " + sub)
	fix := fs.String("fix", "", "fix id")
	keep := fs.Int("keep", -1, "number of newest backups to keep (prune)")
	if code, ok := parse(fs, args[1:]); !ok {
		return code
	}
	id, code := parseFix(*fix)
	if code != 0 {
		return code
	}
	if sub == "prune" && *keep < 1 {
		fmt.Fprintln(os.Stderr, "--keep must be at least 1")
		return 2
	}
	a, code := open(*cfgPath)
	if a == nil {
		return code
	}
	defer a.Close()

	paths := a.Fix(id).Paths()
	if len(paths) == 0 {
		fmt.Printf("%s keeps no files on disk\n", id)
		return 0
	}
	switch sub {
	case "list":
		for _, p := range paths {
			list, err := fsx.ListBackups(p, string(id))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			if len(list) == 0 {
				fmt.Printf("%s: (none)\n", p)
				continue
			}
			for _, b := range list {
				fmt.Printf("%s\t%s\n", b.ModTime.Format(time.DateTime), b.Path)
			}
		}
	case "prune":
		for _, p := range paths {
			removed, err := fsx.PruneBackups(p, string(id), *keep)
			for _, r := range removed {
				fmt.Println("removed", r)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
		}
	}
	return 0
}

func historyCmd(args []string) int {
	fs, cfgPath := newFlagSet("history")
	fix := fs.String("fix", "", "only this fix")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	var id core.FixID
	if *fix != "" {
		var code int
		if id, code = parseFix(*fix); code != 0 {
			return code
		}
	}
	a, code := open(*cfgPath)
	if a == nil {
		return code
	}
	defer a.Close()

	recs, err := a.History.ForFix(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println("(no runs recorded)")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range recs {
		state := string(r.State)
		if r.DryRun {
			state += " (dry run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Fix, state, r.Duration.Round(time.Millisecond), util.Truncate(r.Error, 80))
	}
	_ = tw.Flush()
	return 0
}

func printReport(rep core.Report) {
	for _, n := range rep.Notes {
		fmt.Println(n)
	}
	if rep.Fix == "" {
		return
	}
	line := fmt.Sprintf("[%s] %s", rep.Fix, rep.State)
	if rep.Service != "" {
		line += " service=" + rep.Service
	}
	fmt.Println(line)
}

// finish prints err with any captured journal lines and maps it to an exit code.
func finish(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	var se *service.Error
	if errors.As(err, &se) && se.Logs != "" {
		fmt.Fprintf(os.Stderr, "recent %s logs:\n%s", se.Unit, util.Indent(se.Logs, "  "))
	}
	return 1
}
