package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/joescharf/agentsafe/internal/adapter"
	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/monitor"
	"github.com/joescharf/agentsafe/internal/notify"
	"github.com/joescharf/agentsafe/internal/store"
	"github.com/joescharf/agentsafe/internal/taskstate"
)

// runtime is the wired subsystem a command works against.
type runtime struct {
	store      store.Store
	tasks      *taskstate.Manager
	monitor    *monitor.Monitor
	adapter    *adapter.Adapter
	git        *git.SafeOps
	hub        *notify.Hub
	dispatcher *notify.Dispatcher
}

type runtimeOptions struct {
	// live adds the websocket hub and metrics used by the server.
	live bool
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	s, err := getStore(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := newSafeOps()
	if err != nil {
		return nil, err
	}

	rt := &runtime{store: s, git: ops}

	sinks := []notify.Notifier{notify.LogNotifier{Logger: logger}}
	if url := viper.GetString("notify.webhook_url"); url != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(url, models.AlertLevel(viper.GetString("notify.min_level"))))
	}
	if opts.live {
		rt.hub = notify.NewHub(viper.GetStringSlice("serve.allowed_origins")...)
		sinks = append(sinks, rt.hub)
	}
	rt.dispatcher = notify.NewDispatcher(viper.GetInt("notify.buffer"), logger, sinks...)

	rt.tasks = taskstate.NewManager(s,
		taskstate.WithAutoCheckpointInterval(viper.GetDuration("tasks.auto_checkpoint_interval")),
		taskstate.WithLogger(logger),
	)

	monOpts := []monitor.Option{
		monitor.WithConfig(monitorConfig()),
		monitor.WithPoller(monitor.NewSystemPoller(viper.GetString("monitor.disk_path"))),
		monitor.WithNotifier(rt.dispatcher),
		monitor.WithLogger(logger),
	}
	if opts.live {
		monOpts = append(monOpts, monitor.WithMetrics(monitor.NewMetrics()))
	}
	rt.monitor = monitor.New(s, monOpts...)

	adOpts := []adapter.Option{
		adapter.WithNotifier(rt.dispatcher),
		adapter.WithLogger(logger),
	}
	if ops != nil {
		adOpts = append(adOpts, adapter.WithGit(ops))
		if viper.GetBool("repo.pull_requests") {
			adOpts = append(adOpts, adapter.WithPRCreator(git.NewGitHubPRCreator(ops.Repo()), viper.GetString("repo.base_branch")))
		}
	}
	rt.adapter = adapter.New(rt.tasks, rt.monitor, adOpts...)
	return rt, nil
}

// Close stops timers and flushes pending notifications.
func (rt *runtime) Close() {
	rt.tasks.Close()
	rt.dispatcher.Close()
}

func monitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.Interval = viper.GetDuration("monitor.interval")
	cfg.AlertCooldown = viper.GetDuration("monitor.alert_cooldown")
	cfg.ErrorThreshold = viper.GetInt("monitor.error_threshold")
	cfg.ErrorWindow = viper.GetDuration("monitor.error_window")
	cfg.SafeModeOnAgentErrors = viper.GetBool("monitor.safe_mode_on_agent_errors")
	cfg.Thresholds = monitor.Thresholds{
		CPUWarn:      viper.GetFloat64("monitor.thresholds.cpu_warn"),
		CPUCritical:  viper.GetFloat64("monitor.thresholds.cpu_critical"),
		MemWarn:      viper.GetFloat64("monitor.thresholds.mem_warn"),
		MemCritical:  viper.GetFloat64("monitor.thresholds.mem_critical"),
		DiskWarn:     viper.GetFloat64("monitor.thresholds.disk_warn"),
		DiskCritical: viper.GetFloat64("monitor.thresholds.disk_critical"),
		LoadWarn:     viper.GetFloat64("monitor.thresholds.load_warn"),
		LoadCritical: viper.GetFloat64("monitor.thresholds.load_critical"),
		TempWarn:     viper.GetFloat64("monitor.thresholds.temp_warn"),
		TempCritical: viper.GetFloat64("monitor.thresholds.temp_critical"),
	}
	return cfg
}

// newSafeOps opens the configured repository. It returns nil when no
// repository is configured.
func newSafeOps() (*git.SafeOps, error) {
	path := viper.GetString("repo.path")
	if path == "" {
		return nil, nil
	}
	root, err := git.NewClient().RepoRoot(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}

	opts := []git.SafeOption{
		git.WithProtectedBranches(viper.GetStringSlice("repo.protected_branches")...),
		git.WithSafeLogger(logger),
	}
	if name, email := viper.GetString("repo.author_name"), viper.GetString("repo.author_email"); name != "" && email != "" {
		opts = append(opts, git.WithIdentity(name, email))
	}
	return git.NewSafeOps(root, opts...), nil
}

// requireGit returns the configured repository or a usage error.
func requireGit() (*git.SafeOps, error) {
	ops, err := newSafeOps()
	if err != nil {
		return nil, err
	}
	if ops == nil {
		return nil, fmt.Errorf("no repository configured (use --repo or set repo.path)")
	}
	return ops, nil
}
