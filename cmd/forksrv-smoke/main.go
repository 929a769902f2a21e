// Command forksrv-smoke drives a target under the forkserver from the
// command line, exercising the same scenarios as the driver package's own
// tests but against a real target binary. It exists for manual and
// integration verification rather than as a library entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forksrv/forksrv/driver"
	"github.com/forksrv/forksrv/internal/obslog"
)

type globalFlags struct {
	interposer string
	memLimitMB int
	logFile    string
}

func main() {
	global := &globalFlags{}

	app := &cobra.Command{
		Use:   "forksrv-smoke",
		Short: "Exercise a forkserver-preloaded target for manual verification",
	}

	app.PersistentFlags().StringVar(&global.interposer, "interposer", "",
		"path to the cgo-built interposer shared library to LD_PRELOAD")
	app.PersistentFlags().IntVar(&global.memLimitMB, "mem-limit", 0,
		"target virtual memory limit in MiB, 0 for none")
	app.PersistentFlags().StringVar(&global.logFile, "log-file", "",
		"driver log file; stderr if empty")

	app.AddCommand(newRunCmd(global))

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd(global *globalFlags) *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "run <target> [args...]",
		Short: "Spawn a target under the forkserver and fork it N times",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(global, args[0], args[1:], runs)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 1, "number of fork+run iterations")

	return cmd
}

func runScenario(global *globalFlags, target string, targetArgs []string, runs int) error {
	log, err := newSmokeLogger(global.logFile)
	if err != nil {
		return err
	}

	spawner, err := driver.NewSpawner(log)
	if err != nil {
		return fmt.Errorf("forksrv-smoke: %w", err)
	}
	defer spawner.Close()

	cfg := driver.SpawnConfig{
		TargetPath:            target,
		Argv:                  append([]string{target}, targetArgs...),
		InterposerLibraryPath: global.interposer,
		UseForkserverLibrary:  global.interposer != "",
		MemLimitMB:            global.memLimitMB,
	}

	fs, err := spawner.Start(cfg)
	if err != nil {
		return fmt.Errorf("forksrv-smoke: starting target: %w", err)
	}
	defer fs.Exit()

	fmt.Printf("forkserver started, server pid %d\n", fs.ServerPID())

	for i := 0; i < runs; i++ {
		pid, err := fs.ForkRun()
		if err != nil {
			return fmt.Errorf("forksrv-smoke: iteration %d: %w", i, err)
		}

		fmt.Printf("iteration %d: forked child %d\n", i, pid)

		status, err := fs.GetStatus(true)
		if err != nil {
			return fmt.Errorf("forksrv-smoke: iteration %d: %w", i, err)
		}

		if code, ok := status.Exited(); ok {
			fmt.Printf("iteration %d: child exited %d\n", i, code)
		} else if sig, ok := status.Signaled(); ok {
			fmt.Printf("iteration %d: child killed by signal %d\n", i, sig)
		}
	}

	return nil
}

func newSmokeLogger(path string) (*obslog.Logger, error) {
	if path == "" {
		return obslog.New(os.Stderr), nil
	}

	return obslog.NewFile(path)
}
