package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ciiiii/mydocker/internal/engine"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		name  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE COMMAND [ARG...]",
		Short: "Pull an image and run a command in a new container",
		Example: `  mydocker run busybox /bin/sh
  mydocker run --name web --force ubuntu:22.04 /bin/echo hello`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			plan, err := a.engine.PrepareRun(ctx, engine.RunRequest{
				Name:    name,
				Image:   args[0],
				Command: args[1],
				Args:    args[2:],
				Force:   force,
				Stdio:   stdio(cmd),
			})
			if err != nil {
				return err
			}
			return commit(a.engine, plan)
		},
	}
	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.StringVar(&name, "name", engine.DefaultName, "container name")
	flags.BoolVarP(&force, "force", "f", false, "replace a container that is still running")
	flags.String("registry", "", "registry base URL for images without a registry host")
	_ = a.v.BindPFlag("registry", flags.Lookup("registry"))
	return cmd
}

func newExecCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "exec [flags] CONTAINER COMMAND [ARG...]",
		Short: "Run a command in an existing container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := a.engine.PrepareExec(engine.ExecRequest{
				Name:    args[0],
				Command: args[1],
				Args:    args[2:],
				Force:   force,
				Stdio:   stdio(cmd),
			})
			if err != nil {
				return err
			}
			return commit(a.engine, plan)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "run even if the container's command is still running")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm CONTAINER [CONTAINER...]",
		Short: "Unmount and delete containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.Remove(args...)
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"ps"},
		Short:   "List containers and cached images",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.engine.Containers()
			if err != nil {
				return err
			}
			images, err := a.engine.Images()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if _, err := fmt.Fprintln(w, "CONTAINER\tPID\tSTATUS\tIMAGE\tCOMMAND"); err != nil {
				return err
			}
			for _, e := range entries {
				status := "exited"
				if e.Alive {
					status = "running"
				}
				pid := "-"
				if e.PID > 0 {
					pid = fmt.Sprint(e.PID)
				}
				image, command := "-", "-"
				if e.Meta != nil {
					image = e.Meta.Image
					command = strings.Join(e.Meta.Command, " ")
				}
				if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, pid, status, image, command); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintln(out, "\nIMAGE"); err != nil {
				return err
			}
			for _, image := range images {
				if _, err := fmt.Fprintln(out, image); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRmiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rmi IMAGE [IMAGE...]",
		Short: "Delete the cached layers of images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.RemoveImages(args...)
		},
	}
}

func stdio(cmd *cobra.Command) engine.Stdio {
	return engine.Stdio{
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}
}

// commit runs the plan. Interrupts go to the container, which shares the
// terminal's process group, so the caller only stops listening once the
// command has exited.
func commit(e *engine.Engine, plan *engine.Plan) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	code, err := e.Commit(plan)
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitStatus{code: code}
	}
	return nil
}
