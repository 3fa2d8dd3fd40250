package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/bridge"
	"github.com/openfroyo/focusbridge/pkg/cache"
	"github.com/openfroyo/focusbridge/pkg/config"
	"github.com/openfroyo/focusbridge/pkg/engine"
	"github.com/openfroyo/focusbridge/pkg/escalation"
	"github.com/openfroyo/focusbridge/pkg/policy"
	"github.com/openfroyo/focusbridge/pkg/script"
	"github.com/openfroyo/focusbridge/pkg/telemetry"
	"github.com/openfroyo/focusbridge/pkg/transports/local"
	"github.com/openfroyo/focusbridge/pkg/transports/ssh"
)

const minSweepInterval = time.Second

// runtime is a fully wired engine and everything that has to be shut down
// with it.
type runtime struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	engine    *engine.Engine
	cache     *cache.Manager
	policy    *policy.Engine

	// dryRun runtimes compose scripts but never start a bridge.
	dryRun bool

	closers []func(context.Context) error
}

// loadConfig reads the file named by --config, or the defaults.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return loader, cfg, nil
}

// newRuntime builds the engine described by the configuration. The config
// file, when one is given, is watched and its limits and read-only switch
// applied while the runtime is open. A dry-run runtime neither reaches a
// remote host nor serves metrics.
func newRuntime(ctx context.Context, dryRun bool) (*runtime, error) {
	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tcfg := telemetry.FromSettings(cfg.Telemetry, buildVersion)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{cfg: cfg, telemetry: tel, logger: tel.Logger.Zerolog(), dryRun: dryRun}
	rt.closers = append(rt.closers, tel.Shutdown)

	if err := rt.build(ctx, loader); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context, loader *config.Loader) error {
	if !rt.dryRun {
		if err := rt.telemetry.StartMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	runner, err := rt.newRunner()
	if err != nil {
		return err
	}

	limits := rt.cfg.Limits()
	rt.cache = cache.NewManager(limits.CacheMaxAge, cache.WithLogger(rt.logger))
	rt.cache.StartSweeper(sweepInterval(limits.CacheMaxAge))
	rt.closers = append(rt.closers, func(context.Context) error {
		rt.cache.Close()
		return nil
	})

	coordinator := escalation.NewCoordinator(rt.logger)
	opts := engine.Options{
		Planner:   engine.NewPlanner(),
		Composer:  script.NewComposer(coordinator, script.WithApplication(rt.cfg.Bridge.Application)),
		Executor:  bridge.NewExecutor(runner, rt.logger),
		Parser:    bridge.NewParser(),
		Escalator: coordinator,
		Cache:     rt.cache,
		Recorder:  rt.telemetry.Metrics,
		Logger:    rt.logger,
		Limits:    limits,
		Retry:     rt.cfg.RetryPolicy(),
	}

	if rt.cfg.Policy.Enabled {
		if rt.policy, err = rt.newPolicy(ctx); err != nil {
			return err
		}
		opts.Policy = rt.policy
	}

	if rt.engine, err = engine.New(opts); err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if configPath != "" && !rt.dryRun {
		watcher := config.NewWatcher(loader, configPath, rt.cfg, rt.apply, rt.logger)
		if err := watcher.Start(ctx); err != nil {
			rt.logger.Warn().Err(err).Str("path", configPath).Msg("configuration will not be reloaded")
		} else {
			rt.closers = append(rt.closers, func(context.Context) error { return watcher.Stop() })
		}
	}

	rt.logger.Debug().
		Str("transport", rt.cfg.Bridge.Transport).
		Str("application", rt.cfg.Bridge.Application).
		Bool("policy", rt.policy != nil).
		Msg("engine ready")
	return nil
}

// newRunner starts the configured bridge transport.
func (rt *runtime) newRunner() (bridge.Runner, error) {
	if rt.cfg.Bridge.Transport != "ssh" || rt.dryRun {
		return local.NewRunner(
			local.WithCommand(rt.cfg.Bridge.Command, rt.cfg.Bridge.Args...),
			local.WithKillGrace(rt.cfg.KillGrace()),
			local.WithLogger(rt.logger),
		), nil
	}

	client, err := ssh.NewClient(sshConfig(rt.cfg), rt.logger)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh configuration: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return client.Disconnect() })
	return ssh.NewRunner(client), nil
}

// newPolicy creates the policy gate and starts watching custom policies.
func (rt *runtime) newPolicy(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	pe.SetReadOnly(rt.cfg.Policy.ReadOnly)

	if len(rt.cfg.Policy.Paths) > 0 {
		loader, err := pe.WatchPolicies(ctx, rt.cfg.Policy.Paths)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return loader.StopWatching() })
	}
	return pe, nil
}

// apply takes the hot-reloadable settings of a changed configuration.
// Transport, telemetry and policy paths need a restart.
func (rt *runtime) apply(cfg *config.Config) {
	rt.engine.UpdateLimits(cfg.Limits())
	if rt.policy != nil {
		rt.policy.SetReadOnly(cfg.Policy.ReadOnly)
	}
	rt.logger.Info().
		Int("bridge_timeout_ms", cfg.BridgeTimeoutMs).
		Int("max_script_size", cfg.MaxScriptSizeBytes).
		Int("cache_max_age_ms", cfg.CacheMaxAgeMs).
		Msg("configuration reloaded")
}

// Close releases everything in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// sshConfig maps the ssh section of a configuration onto transport settings.
func sshConfig(cfg *config.Config) *ssh.Config {
	s := cfg.SSH
	if s == nil {
		s = &config.SSHConfig{}
	}

	out := ssh.DefaultConfig(s.Host, s.User)
	if s.Port > 0 {
		out.Port = s.Port
	}
	if s.AuthMethod != "" {
		out.AuthMethod = ssh.AuthMethod(s.AuthMethod)
	}
	out.Password = s.Password
	out.PrivateKeyPath = s.PrivateKeyPath
	out.PrivateKeyPassphrase = s.Passphrase
	if s.KnownHostsPath != "" {
		out.KnownHostsPath = s.KnownHostsPath
	}
	if s.StrictHostKeyChecking != nil {
		out.StrictHostKeyChecking = *s.StrictHostKeyChecking
	}
	if s.ConnectionTimeoutMs > 0 {
		out.ConnectionTimeout = time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
	}
	out.KeepAliveInterval = time.Duration(s.KeepAliveIntervalMs) * time.Millisecond
	if s.RemoteDir != "" {
		out.RemoteDir = s.RemoteDir
	}
	out.Command = cfg.Bridge.Command
	out.Args = cfg.Bridge.Args
	out.KillGrace = cfg.KillGrace()
	return out
}

// sweepInterval spaces sweeps at the cache age, but no closer than a second.
func sweepInterval(maxAge time.Duration) time.Duration {
	if maxAge < minSweepInterval {
		return minSweepInterval
	}
	return maxAge
}
