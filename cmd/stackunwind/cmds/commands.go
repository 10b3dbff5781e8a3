package cmds

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cosiner/argv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/go-delve/stackunwind/cmd/stackunwind/cmds/helphelpers"
	"github.com/go-delve/stackunwind/pkg/config"
	"github.com/go-delve/stackunwind/pkg/logflags"
	"github.com/go-delve/stackunwind/pkg/proc"
	"github.com/go-delve/stackunwind/pkg/proc/local"
	"github.com/go-delve/stackunwind/pkg/remote"
	"github.com/go-delve/stackunwind/pkg/unwind"
	"github.com/go-delve/stackunwind/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile replaces the default config file.
	configFile string
	// debugInfoDirs replaces the debug-info-directories of the config file.
	debugInfoDirs string

	localStrategy  string
	remoteStrategy string
	allThreads     bool
	demoTarget     string
	verbose        bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const (
	// demoDepth is the depth of the recursion the demo unwinds from.
	demoDepth = 10
	// childDepth is the depth of the call chain the child blocks in.
	childDepth = 5
	childReady = "ready"
	// demoSettle is how long the demo waits for a --target to start.
	demoSettle = 500 * time.Millisecond
)

var localStrategies = []string{"fp", "cfi", "symbolized", "runtime"}

const stackunwindCommandLongDesc = `stackunwind captures stack traces.

Its own stack can be walked by following frame pointers, by stepping with
the call frame information of the loaded modules, optionally resolving every
frame to function, file and line, or by asking the Go runtime.

Other processes are stopped with ptrace only for the duration of a single
unwind and resumed before stackunwind prints anything.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:               "stackunwind",
		Short:             "stackunwind captures local and remote stack traces.",
		Long:              stackunwindCommandLongDesc,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'stackunwind help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'stackunwind help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Config file, instead of the one in the user's configuration directory.")
	rootCommand.PersistentFlags().StringVar(&debugInfoDirs, "debug-info-dirs", "", "Space separated list of build id directories, single quotes group a path with spaces.")

	// 'local' subcommand.
	localCommand := &cobra.Command{
		Use:   "local",
		Short: "Print the stack of stackunwind itself.",
		Long: `Unwinds the stack of the running stackunwind process with one or all strategies:

	fp		follows the saved frame pointers
	cfi		steps with call frame information
	symbolized	cfi, with function, file and line from the debug info
	runtime		the Go runtime's traceback, rendered like backtrace_symbols(3)
	all		every strategy above
`,
		Args: cobra.NoArgs,
		RunE: localCmd,
	}
	localCommand.Flags().StringVar(&localStrategy, "strategy", "all", "Unwind strategy: fp, cfi, symbolized, runtime or all.")
	rootCommand.AddCommand(localCommand)

	// 'remote' subcommand.
	remoteCommand := &cobra.Command{
		Use:   "remote <pid>",
		Short: "Print the stack of another process.",
		Long: `Attaches to the process, unwinds it and detaches.

	cfi		steps with the call frame information of the target's modules
	threads		walks every thread with the resolver's frame tables, falling
			back to frame pointers only in functions that set one up

Without --strategy the remote-strategy of the config file is used, cfi if
that is not set either.`,
		Args: cobra.ExactArgs(1),
		RunE: remoteCmd,
	}
	remoteCommand.Flags().StringVar(&remoteStrategy, "strategy", "", "Remote unwind strategy: cfi or threads.")
	remoteCommand.Flags().BoolVar(&allThreads, "all-threads", false, "Print the stack of every thread.")
	rootCommand.AddCommand(remoteCommand)

	// 'demo' subcommand.
	demoCommand := &cobra.Command{
		Use:   "demo",
		Short: "Run every strategy from a recursive call chain and against a child process.",
		Long: `Recurses ` + strconv.Itoa(demoDepth) + ` levels and prints the local stack with every strategy, then
starts a child and prints the stacks of all of its threads with both remote
strategies.

By default the child is stackunwind itself, blocked in a call chain of depth ` + strconv.Itoa(childDepth) + `.
--target replaces it with an arbitrary command line, for example:

	stackunwind demo --target "sleep 60"
`,
		Args: cobra.NoArgs,
		RunE: demoCmd,
	}
	demoCommand.Flags().StringVar(&demoTarget, "target", "", "Command line of the child process.")
	rootCommand.AddCommand(demoCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:    "child",
		Short:  "Block in a nested call chain until killed.",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run:    childCmd,
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stackunwind\n%s\n", version.StackunwindVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	unwind		Log stack iteration, CFI lookups and truncated stacks
	ptrace		Log attach, stop and detach of remote processes
	symbolize	Log module image loading and debug file lookups
	remote		Log remote unwind sessions

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	help := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		help(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func setup(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		c, err := config.LoadConfigFile(configFile)
		if err != nil {
			return err
		}
		conf = c
	} else {
		conf = config.LoadConfig()
	}
	if debugInfoDirs != "" {
		conf.DebugInfoDirectories = config.SplitQuotedFields(debugInfoDirs, '\'')
	}
	return logflags.Setup(log, logOutput, logDest)
}

func localCmd(cmd *cobra.Command, args []string) error {
	names, err := localStrategyNames(localStrategy)
	if err != nil {
		return err
	}
	return runLocal(newPrinter(cmd.OutOrStdout()), names)
}

func localStrategyNames(s string) ([]string, error) {
	if s == "all" {
		return localStrategies, nil
	}
	for _, name := range localStrategies {
		if name == s {
			return []string{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown strategy %q, must be fp, cfi, symbolized, runtime or all", s)
}

func runLocal(p *printer, names []string) error {
	opts := unwind.Options{MaxFrames: conf.MaxFrames, MinAddr: conf.MinFrameAddress}
	for _, name := range names {
		var (
			stack proc.Stack
			err   error
		)
		switch name {
		case "fp":
			stack = nameFrames(opts.FramePointer())
		case "cfi":
			stack, err = opts.CFI()
			stack = nameFrames(stack)
		case "symbolized":
			stack, err = opts.Symbolicated(conf.ResolverConfig())
		case "runtime":
			stack = unwind.Runtime()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		p.stack(name, name, stack)
	}
	return nil
}

// nameFrames names the Go frames of an unsymbolized local stack.
func nameFrames(stack proc.Stack) proc.Stack {
	for i := range stack {
		local.NameFrame(&stack[i])
	}
	return stack
}

func remoteCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	name := remoteStrategy
	if name == "" {
		name = conf.RemoteStrategy
	}
	if name == "" {
		name = "cfi"
	}
	strategy, err := remote.StrategyByName(name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return runRemote(ctx, newPrinter(cmd.OutOrStdout()), pid, strategy, allThreads)
}

func remoteConfig() remote.Config {
	return remote.Config{
		Symbolize: conf.ResolverConfig(),
		MaxFrames: conf.MaxFrames,
		MinAddr:   conf.MinFrameAddress,
	}
}

func runRemote(ctx context.Context, p *printer, pid int, strategy remote.RemoteUnwindStrategy, all bool) error {
	name := strategy.Name()
	if !all {
		stack, err := unwind.Remote(ctx, pid, unwind.RemoteOptions{Strategy: strategy, Config: remoteConfig()})
		if err != nil {
			return err
		}
		p.stack(name, fmt.Sprintf("%s pid %d", name, pid), stack)
		return nil
	}

	threads, err := remote.UnwindAll(ctx, pid, strategy, remoteConfig())
	if err != nil {
		return err
	}
	logflags.RemoteLogger().Debugf("%s: %d threads of %d unwound", name, len(threads), pid)
	for _, th := range threads {
		p.stack(name, fmt.Sprintf("%s pid %d thread %d", name, pid, th.Tid), th.Stack)
	}
	return nil
}

func demoCmd(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd.OutOrStdout())
	var err error
	recurse(demoDepth, func() {
		err = runLocal(p, localStrategies)
	})
	if err != nil {
		return err
	}

	target, err := demoCommandLine(demoTarget)
	if err != nil {
		return err
	}
	child, err := startTarget(target, demoTarget == "")
	if err != nil {
		return err
	}
	defer stopTarget(child)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	for _, strategy := range []remote.RemoteUnwindStrategy{remote.CFIStrategy{}, remote.ThreadFramesStrategy{}} {
		if err := runRemote(ctx, p, child.Process.Pid, strategy, true); err != nil {
			return err
		}
	}
	return nil
}

//go:noinline
func recurse(n int, fn func()) {
	if n == 0 {
		fn()
		return
	}
	recurse(n-1, fn)
}

// demoCommandLine returns the arguments of the demo child. The empty
// target runs the hidden child command of this executable.
func demoCommandLine(target string) ([]string, error) {
	if target == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		return []string{exe, "child"}, nil
	}
	v, err := argv.Argv(target,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, fmt.Errorf("illegal command line '%s'", target)
	}
	return v[0], nil
}

// startTarget starts the demo child. If waitReady is set the child is
// expected to print childReady once it is blocked.
func startTarget(args []string, waitReady bool) (*exec.Cmd, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	var stdout io.Reader
	if waitReady {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stdout = pipe
	} else {
		cmd.Stdout = os.Stdout
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if !waitReady {
		time.Sleep(demoSettle)
		return cmd, nil
	}
	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != childReady {
		stopTarget(cmd)
		if err == nil {
			err = fmt.Errorf("unexpected output %q", line)
		}
		return nil, fmt.Errorf("child %s did not start: %w", args[0], err)
	}
	return cmd, nil
}

func stopTarget(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func childCmd(cmd *cobra.Command, args []string) {
	runtime.LockOSThread()
	recurse(childDepth, func() {
		fmt.Fprintln(cmd.OutOrStdout(), childReady)
		block()
	})
}

const colorReset = "\x1b[0m"

var strategyColors = map[string]string{
	"fp":         "\x1b[33m",
	"cfi":        "\x1b[32m",
	"symbolized": "\x1b[36m",
	"runtime":    "\x1b[35m",
	"threads":    "\x1b[34m",
}

// printer writes stacks, one color per strategy when the output is a
// terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) && strings.ToLower(os.Getenv("TERM")) != "dumb" {
		p.w = colorable.NewColorable(f)
		p.color = true
	}
	return p
}

func (p *printer) stack(strategy, title string, stack proc.Stack) {
	start, end := "", ""
	if c, ok := strategyColors[strategy]; ok && p.color {
		start, end = c, colorReset
	}
	fmt.Fprintf(p.w, "%s== %s ==\n", start, title)
	if strategy == "runtime" {
		for i, sym := range stack.BacktraceSymbols() {
			fmt.Fprintf(p.w, "#%-2d %s\n", i, sym)
		}
	} else if err := stack.Format(p.w, true); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logflags.UnwindLogger().Errorf("writing stack: %v", err)
	}
	fmt.Fprint(p.w, end)
}

func blockSleep() {
	for {
		time.Sleep(time.Hour)
	}
}
