// Command tspjob runs the transportation platform job runtime.
//
// Subcommands:
//
//	serve              run the scheduler daemon until signalled
//	run <job> [k=v]    execute one job synchronously (add --retry for retries)
//	list               print registered jobs and their next fire times
//	status <run_id>    print the run record
//
// Exit codes: 0 success, 1 run failure, 2 usage or registry error,
// 3 startup failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

const (
	exitOK      = 0
	exitRun     = 1
	exitUsage   = 2
	exitStartup = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "serve":
		return cmdServe()
	case "run":
		return cmdRun(args[1:])
	case "list":
		return cmdList()
	case "status":
		return cmdStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tspjob <command> [arguments]

commands:
  serve              run the scheduler daemon
  run <job> [k=v ...] [--retry]
                     execute one job synchronously
  list               print registered jobs and next fire times
  status <run_id>    print a run record`)
}

func cmdServe() int {
	app, err := newApp(context.Background())
	if err != nil {
		return startupFailure(err)
	}
	defer app.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.rt.Start(ctx)
	}()

	select {
	case <-sigCh:
		app.logger.Info("shutdown signal received, draining")
		done := make(chan struct{})
		go func() {
			app.rt.Shutdown(runtime.ShutdownGraceful)
			close(done)
		}()
		select {
		case <-sigCh:
			app.logger.Warn("second signal received, aborting in-flight runs")
			app.rt.Shutdown(runtime.ShutdownImmediate)
			<-errCh
			return exitRun
		case <-done:
		}
		<-errCh
	case err := <-errCh:
		if err != nil {
			app.logger.Error("runtime exited with error", "error", err)
			return exitRun
		}
	}
	return exitOK
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	withRetry := fs.Bool("retry", false, "apply the job's retry policy")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "run: job name is required")
		return exitUsage
	}
	jobName := rest[0]

	inputs := make(map[string]string)
	for _, kv := range rest[1:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			fmt.Fprintf(os.Stderr, "run: malformed input %q, want key=value\n", kv)
			return exitUsage
		}
		inputs[key] = value
	}

	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return startupFailure(err)
	}
	defer app.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = app.rt.Start(runCtx)
	}()

	rec, err := app.rt.RunSync(ctx, jobName, inputs, *withRetry)
	app.rt.Shutdown(runtime.ShutdownGraceful)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		if errors.Is(err, domain.ErrUnknownJob) || domain.KindOf(err) == domain.KindInvalidInput {
			return exitUsage
		}
		return exitRun
	}

	printRun(rec, app.rt.RunLogs(rec.RunID))
	if rec.Status != domain.StatusSucceeded {
		return exitRun
	}
	return exitOK
}

func cmdList() int {
	app, err := newApp(context.Background())
	if err != nil {
		return startupFailure(err)
	}
	defer app.close()

	now := time.Now()
	fmt.Printf("%-32s %-24s %s\n", "JOB", "NEXT FIRE", "SCHEDULE")
	for _, def := range app.reg.List() {
		next := "-"
		if n, ok := def.Schedule.Next(now); ok {
			next = n.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Printf("%-32s %-24s %s\n", def.Name, next, def.Schedule)
	}
	return exitOK
}

func cmdStatus(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "status: exactly one run id is required")
		return exitUsage
	}

	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return startupFailure(err)
	}
	defer app.close()

	rec, err := app.rt.Status(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitRun
	}
	printRun(rec, app.rt.RunLogs(rec.RunID))
	return exitOK
}

func startupFailure(err error) int {
	fmt.Fprintf(os.Stderr, "tspjob: %v\n", err)
	if errors.Is(err, domain.ErrDuplicateName) || errors.Is(err, domain.ErrInvalidDefinition) {
		return exitUsage
	}
	return exitStartup
}

func printRun(rec *domain.RunRecord, logs []string) {
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode run record: %v\n", err)
		return
	}
	fmt.Println(string(out))
	if len(logs) > 0 {
		fmt.Println("logs:")
		for _, line := range logs {
			fmt.Println("  " + line)
		}
	}
}
