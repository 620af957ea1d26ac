package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/thought-machine/go-flags"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/please-build/pogo/src/bolt"
	"github.com/please-build/pogo/src/clean"
	"github.com/please-build/pogo/src/cli"
	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/metrics"
	"github.com/please-build/pogo/src/output"
	"github.com/please-build/pogo/src/pgo"
	"github.com/please-build/pogo/src/pogoinit"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/profile"
	"github.com/please-build/pogo/src/run"
	"github.com/please-build/pogo/src/targets"
	"github.com/please-build/pogo/src/toolchain"
)

var log = logger.Log

var opts struct {
	Verbosity    cli.Verbosity `short:"v" long:"verbosity" description:"Verbosity of output (higher number = more output)" default:"warning"`
	LogFile      cli.Filepath  `long:"log_file" description:"File to echo full logging output to"`
	LogFileLevel cli.Verbosity `long:"log_file_level" description:"Log level for file output" default:"debug"`
	NumThreads   int           `short:"n" long:"num_threads" description:"Number of binaries to process in parallel. Defaults to the number of CPUs."`
	BuildArg     []string      `long:"build_arg" description:"Extra argument to pass to cargo invocations. Can be passed multiple times."`
	Profile      []string      `long:"profile" description:"Config profile to load, eg. --profile=ci reads .pogoconfig.ci as well"`
	Root         cli.Filepath  `short:"r" long:"root" description:"Root of the cargo workspace to operate in. Defaults to the nearest directory containing a Cargo.toml."`
	Version      bool          `long:"version" description:"Print the version of pogo and exit"`

	Instrument struct {
		Args struct {
			Targets []string `positional-arg-name:"targets" description:"Targets to instrument (default is all binary targets)"`
		} `positional-args:"true"`
	} `command:"instrument" description:"Builds binaries that collect a profile as they run"`

	Run struct {
		Args struct {
			Target string   `positional-arg-name:"target" description:"Target to run"`
			Args   []string `positional-arg-name:"arguments" description:"Arguments to pass to the binary (to pass flags, put -- before them)"`
		} `positional-args:"true" required:"true"`
	} `command:"run" description:"Builds and runs a single instrumented binary to collect profile data"`

	Optimize struct {
		Wait cli.Duration `long:"wait" optional:"true" optional-value:"10m" description:"Wait up to this long for profile data to appear before giving up. 10 minutes if the flag is given without a value."`
		Args struct {
			Targets []string `positional-arg-name:"targets" description:"Targets to optimize (default is the latest session's targets)"`
		} `positional-args:"true"`
	} `command:"optimize" description:"Merges collected profiles and rebuilds using them"`

	Bolt struct {
		Instrument struct {
			WithPGO bool `long:"with_pgo" description:"Apply the latest merged PGO profile to the build first"`
			Args    struct {
				Targets []string `positional-arg-name:"targets" description:"Targets to instrument (default is all binary targets)"`
			} `positional-args:"true"`
		} `command:"instrument" description:"Builds binaries and rewrites them with BOLT instrumentation"`
		Optimize struct {
			WithPGO bool `long:"with_pgo" description:"Must match the flag given to bolt instrument; accepted here as a cross-check"`
			Args    struct {
				Targets []string `positional-arg-name:"targets" description:"Binaries to optimize (default is all instrumented binaries)"`
			} `positional-args:"true"`
		} `command:"optimize" description:"Rewrites instrumented binaries into optimized ones using collected profiles"`
	} `command:"bolt" description:"Post-link binary optimization with LLVM BOLT"`

	Info struct {
	} `command:"info" description:"Shows the toolchain and the state of any optimization sessions"`

	Clean struct {
		Force bool `long:"force" short:"f" description:"Remove without prompting for confirmation"`
	} `command:"clean" description:"Removes all stored sessions and profile data"`

	Init struct {
		Dir string `long:"dir" description:"Directory to create the config in" default:"."`
	} `command:"init" description:"Writes a .pogoconfig template"`

	Op struct {
	} `command:"op" description:"Re-runs the previous pogo command"`
}

var config *core.Configuration
var executor = process.New()
var tc *toolchain.Toolchain
var metadata *targets.Metadata
var workspaceRoot string
var buildArgs []string

var ctx = context.Background()

var buildFunctions = map[string]func() error{
	"instrument": func() error {
		_, err := pgo.New(executor, config, tc, metadata, workspaceRoot).Instrument(ctx, opts.Instrument.Args.Targets, buildArgs)
		return err
	},
	"run": func() error {
		return run.Run(ctx, pgo.New(executor, config, tc, metadata, workspaceRoot), metadata, opts.Run.Args.Target, opts.Run.Args.Args)
	},
	"optimize": func() error {
		_, err := pgo.New(executor, config, tc, metadata, workspaceRoot).Optimize(ctx, opts.Optimize.Args.Targets, buildArgs, time.Duration(opts.Optimize.Wait))
		return err
	},
	"bolt.instrument": func() error {
		_, err := bolt.New(executor, config, tc, metadata, workspaceRoot).Instrument(ctx, opts.Bolt.Instrument.Args.Targets, buildArgs, opts.Bolt.Instrument.WithPGO)
		return err
	},
	"bolt.optimize": func() error {
		_, err := bolt.New(executor, config, tc, metadata, workspaceRoot).Optimize(ctx, opts.Bolt.Optimize.Args.Targets, buildArgs, opts.Bolt.Optimize.WithPGO)
		return err
	},
	"info": func() error {
		return output.Info(config, tc, metadata, workspaceRoot)
	},
	"clean": func() error {
		return clean.Clean(config, workspaceRoot, metadata.TargetDirectory, opts.Clean.Force)
	},
}

// execute runs the active command and returns the process exit code.
func execute(command string) int {
	start := time.Now()
	err := buildFunctions[command]()
	metrics.RecordCommand(command, err == nil, time.Since(start))
	metrics.Stop()
	if err != nil {
		log.Error("%s", err)
		return 1
	}
	return 0
}

// activeCommand returns the dotted path of the command that was invoked,
// eg. "instrument" or "bolt.optimize".
func activeCommand(parser *flags.Parser) string {
	if parser.Active == nil {
		return ""
	}
	name := parser.Active.Name
	if parser.Active.Active != nil {
		name += "." + parser.Active.Active.Name
	}
	return name
}

func main() {
	parser, extraArgs, err := cli.ParseFlags("pogo", &opts, os.Args, flags.HelpFlag|flags.PassDoubleDash, nil, nil)
	if opts.Version {
		fmt.Printf("pogo version %s\n", core.PogoVersion)
		os.Exit(0)
	}
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Println(ferr.Message)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	} else if len(extraArgs) > 0 {
		fmt.Fprintf(os.Stderr, "Unknown arguments: %s\n", strings.Join(extraArgs, " "))
		os.Exit(1)
	}
	cli.InitLogging(opts.Verbosity)
	if opts.LogFile != "" {
		cli.InitFileLogging(string(opts.LogFile), opts.LogFileLevel, false)
	}
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debug)); err != nil {
		log.Warning("Failed to set GOMAXPROCS: %s", err)
	}

	command := activeCommand(parser)
	if command == "init" {
		// Don't try to read config etc; this is allowed to run anywhere.
		if err := pogoinit.InitConfig(opts.Init.Dir); err != nil {
			log.Fatalf("%s", err)
		}
		os.Exit(0)
	}

	if opts.Root != "" {
		workspaceRoot, err = filepath.Abs(string(opts.Root))
		if err != nil {
			log.Fatalf("Can't determine workspace root: %s", err)
		}
	} else {
		workspaceRoot = core.MustFindWorkspaceRoot()
		log.Debug("Found workspace root at %s", workspaceRoot)
	}
	// pogo always runs from the workspace root; all cargo invocations assume it.
	if err := os.Chdir(workspaceRoot); err != nil {
		log.Fatalf("%s", err)
	}

	config, err = core.ReadDefaultConfigFilesWithProfiles(workspaceRoot, opts.Profile)
	if err != nil {
		log.Fatalf("Error reading config file: %s", err)
	}
	if opts.NumThreads > 0 {
		config.Bolt.Jobs = opts.NumThreads
	}
	// Config extraargs are folded in by the build layer itself; these are just
	// the ones given on this command line.
	buildArgs = opts.BuildArg
	metrics.InitFromConfig(config)

	tc, err = toolchain.Discover(ctx, executor, config)
	if err != nil {
		log.Fatalf("%s", err)
	}
	metadata, err = targets.Query(ctx, executor, tc.Cargo, workspaceRoot)
	if err != nil {
		log.Fatalf("%s", err)
	}
	profileRoot := profile.Root(config, workspaceRoot, metadata.TargetDirectory)
	core.CheckXattrsSupported(config, profileRoot)

	if command == "op" {
		args := core.ReadPreviousOperationOrDie(profileRoot)
		log.Notice("Re-running pogo %s", strings.Join(args, " "))
		executable, err := os.Executable()
		if err == nil {
			err = syscall.Exec(executable, append([]string{executable}, args...), os.Environ())
		}
		log.Fatalf("Couldn't re-run previous command: %s", err) // On success Exec never returns.
	}
	core.StoreCurrentOperation(profileRoot)

	os.Exit(execute(command))
}
