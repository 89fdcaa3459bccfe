// Command spider-task-executor is the per-task-instance child process
// spawned by internal/executor.Supervisor (§4.6): it serves exactly one
// args/result exchange over stdin/stdout, then exits.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/y-scope/spider-go/internal/executor"
	"github.com/y-scope/spider-go/internal/logging"
)

func main() {
	var (
		pythonPath = flag.String("python-path", "python3", "interpreter used to run python-language task scripts")
		scriptsDir = flag.String("scripts-dir", "", "directory of <function_name>.py scripts for python-language tasks")
	)
	flag.Parse()

	logging.Init("spider-task-executor")
	log := slog.Default()

	// §4.4: the supervisor's cancel path is SIGTERM-then-SIGKILL, and this
	// process must not exit early on SIGTERM so that the supervisor's kill
	// is the only authoritative cancel path; ignore it here rather than
	// wiring it into a cancellable context.
	signal.Ignore(syscall.SIGTERM)
	ctx := context.Background()

	reg := executor.NewRegistry()
	executor.RegisterBuiltins(reg)

	if *scriptsDir != "" {
		bridge := executor.NewPythonBridge(*pythonPath, *scriptsDir)
		entries, err := os.ReadDir(*scriptsDir)
		if err != nil {
			log.Error("read scripts dir failed", slog.Any("err", err))
			os.Exit(1)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".py") {
				continue
			}
			functionName := strings.TrimSuffix(filepath.Base(e.Name()), ".py")
			reg.Register(functionName, bridge.AsFunction(functionName))
		}
	}

	// Per §4.4, the supervisor's kill is the authoritative cancel path;
	// SIGTERM is ignored above and Serve runs its single exchange under a
	// context that is never cancelled.
	if err := reg.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error("serve failed", slog.Any("err", err))
		os.Exit(1)
	}
}
