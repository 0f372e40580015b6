package cmds

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdbg/kdb/cmd/kdb/cmds/helphelpers"
	"github.com/kdbg/kdb/pkg/config"
	"github.com/kdbg/kdb/pkg/logflags"
	"github.com/kdbg/kdb/pkg/nlbreak"
	"github.com/kdbg/kdb/pkg/proc"
	"github.com/kdbg/kdb/pkg/terminal"
	"github.com/kdbg/kdb/pkg/version"
	"github.com/kdbg/kdb/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kdbCommandLongDesc = `kdb is a source level debugger for C programs on Linux/amd64.

kdb starts the program under ptrace and lets you set breakpoints, step by
source line, print variables and call stacks. Breakpoints can also be
described in natural language with the nb command.

The program must be a position dependent executable with DWARF debug
information, for example built with:

	cc -g -O0 -no-pie -fno-omit-frame-pointer -o hello hello.c

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`kdb exec ./hello -- --verbose input.txt`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main kdb root command.
	rootCommand = &cobra.Command{
		Use:   "kdb [path/to/binary]",
		Short: "kdb is a debugger for C programs.",
		Long:  kdbCommandLongDesc,
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				cmd.Help()
				return
			}
			os.Exit(execute(args, conf))
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'kdb help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'kdb help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal before the first prompt.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Load a compiled binary, and begin a debug session.",
		Long: `Load a compiled binary and begin a debug session.

The program is not started until the run command is issued, breakpoints set
before that are written to memory when it starts. Please note that if the
binary was not compiled with optimizations disabled, it may be difficult to
properly debug it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args, conf))
		},
	}
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kdb Debugger\n%s\n", version.KdbVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log debugger commands
	native		Log ptrace requests and process state changes
	dwarf		Log recoverable errors reading debug information
	nlbreak		Log natural language breakpoint translations

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// newDebuggerConfig builds the configuration of the debugger from the
// configuration file. The language model is optional, without an API key
// only the offline translations of nb are available.
func newDebuggerConfig(conf *config.Config, programArgs []string) (*debugger.Config, error) {
	cfg := &debugger.Config{
		WorkingDir:         workingDir,
		Args:               programArgs,
		UnwindBoundary:     conf.Boundary(),
		MaxStackDepth:      conf.StackDepth(),
		MaxNextSteps:       conf.NextSteps(),
		NextStepsOverCalls: conf.StepOverCalls(),
	}
	provider, err := nlbreak.NewProvider(conf.ResolveLLM())
	switch {
	case err == nil:
		cfg.Provider = provider
	case errors.Is(err, nlbreak.ErrNoAPIKey):
		logflags.NLBreakLogger().Debugf("no API key configured, nb works offline only")
	default:
		return cfg, err
	}
	return cfg, nil
}

func execute(args []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	path, programArgs := args[0], args[1:]

	cfg, err := newDebuggerConfig(conf, programArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, nb works offline only\n", err)
	}

	d, err := debugger.New(cfg, path)
	switch {
	case errors.Is(err, debugger.ErrNotExecutable):
		fmt.Fprintf(os.Stderr, "%s is not executable\n", path)
		return 1
	case errors.Is(err, proc.ErrNoDebugInfo):
		fmt.Fprintf(os.Stderr, "Warning: %s has no debug information, only addresses can be used\n", path)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	term := terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
