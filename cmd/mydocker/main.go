package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/moby/sys/reexec"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ciiiii/mydocker/internal/config"
	"github.com/ciiiii/mydocker/internal/engine"
	"github.com/ciiiii/mydocker/internal/isolate"
	"github.com/ciiiii/mydocker/internal/log"
	"github.com/ciiiii/mydocker/internal/rootfs"
)

var Version = "dev"

// app carries what the commands share once the root command has loaded the
// configuration.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	engine  *engine.Engine
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

// exitStatus is a command that ran to completion with a non-zero code.
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mydocker",
		Short: "Run commands in images pulled from a registry",
		Long: `mydocker pulls an image from an OCI registry, assembles its layers into
an overlay root filesystem and runs a command inside it with its own PID and
mount namespaces.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			log.Init(log.Config{
				Level:      log.Level(cfg.Log.Level),
				JSONOutput: cfg.Log.JSON,
				Output:     a.stderr,
			})
			a.cfg = cfg
			a.engine = engine.New(cfg, rootfs.NewMounter())
			return nil
		},
	}
	rootCmd.SetIn(a.stdin)
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/mydocker/config.yaml)")
	flags.String("base-dir", config.DefaultBaseDir, "directory holding containers and cached layers")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")
	_ = a.v.BindPFlag("base_dir", flags.Lookup("base-dir"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.json", flags.Lookup("log-json"))

	rootCmd.AddCommand(
		newRunCmd(a),
		newExecCmd(a),
		newRmCmd(a),
		newLsCmd(a),
		newRmiCmd(a),
	)
	return rootCmd
}

// exitCode maps the outcome of a command onto the process exit code.
// Failures of the engine itself report isolate.ExitSetupFailed.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var status *exitStatus
	if errors.As(err, &status) {
		return status.code
	}
	var exitErr *isolate.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return isolate.ExitSetupFailed
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{
		v:      config.New(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	var status *exitStatus
	if err != nil && !errors.As(err, &status) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	if reexec.Init() {
		return
	}
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
