package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/agentsafe/internal/api"
	"github.com/joescharf/agentsafe/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the safety monitor and HTTP API",
	Long: `Run the safety monitor, the REST API, the live event stream and the
Prometheus metrics endpoint.

Running bare 'agentsafe serve' runs in the foreground, like 'serve run'.
Use 'serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().String("addr", "127.0.0.1:7787", "address to listen on")
	_ = viper.BindPFlag("serve.addr", serveCmd.PersistentFlags().Lookup("addr"))

	serveCmd.AddCommand(serveRunCmd, serveStartCmd, serveStopCmd, serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "agentsafe-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "agentsafe-serve.log")
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return fmt.Errorf("server %w", err)
	}
	defer func() { _ = pf.RemoveIfOwned() }()

	rt, err := newRuntime(ctx, runtimeOptions{live: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	// Safe mode is not persisted, so a host that is already overloaded
	// re-enters it here.
	if snap, err := rt.monitor.BootCheck(ctx); err != nil {
		logger.Warn("boot resource check failed", "error", err)
	} else {
		logger.Info("boot resource check", "cpu", snap.CPU, "memory", snap.Memory, "disk", snap.Disk,
			"safe_mode", rt.monitor.IsSafeMode())
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := rt.monitor.Run(ctx); err != nil {
			logger.Error("safety monitor", "error", err)
		}
	}()

	addr := viper.GetString("serve.addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(rt.adapter, rt.hub, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", addr, "pid", os.Getpid())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
	stop()
	<-monitorDone
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := []string{"serve", "run", "--addr", viper.GetString("serve.addr")}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if repo := viper.GetString("repo.path"); repo != "" {
		args = append(args, "--repo", repo)
	}

	if dryRun {
		ui.DryRunMsg("Would run: %s %v", exe, args)
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	// Wait for the child to claim the PID file.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pid, running := pf.IsRunning(); running {
			ui.Success("Server started (pid %d) on %s", pid, viper.GetString("serve.addr"))
			ui.Info("Logs: %s", serveLogPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not start; see %s", serveLogPath())
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			_ = pf.Remove()
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	ui.Warning("Server did not stop in %s, killing", shutdownTimeout)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server: %s", "not running")
		return nil
	}
	ui.Success("Server: running (pid %d) on %s", pid, viper.GetString("serve.addr"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
