package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/netlock"
	"pkt.systems/netlock/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("NETLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "netlockd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			var exit exitCodeError
			if errors.As(err, &exit) {
				return exit.code
			}
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// exitCodeError carries the exit status of a command run under a lock.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// invocationTargetsRootCommand reports whether args run the daemon itself
// rather than a subcommand. Daemon failures are logged, subcommand failures
// are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			consumeNext := false
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := netlock.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, netlock.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg netlock.Config
	cmd := &cobra.Command{
		Use:           "netlockd",
		Short:         "netlockd is a network lock manager whose locks live as long as the client connection",
		SilenceErrors: true,
		Example: `
  # TCP on the default port plus a local unix socket
  netlockd --unix-socket /run/netlock.sock

  # Unix socket only, with MANAGEMENT requests enabled
  netlockd --listen - --unix-socket /run/netlock.sock --management

  # Fail instead of queueing when callers do not ask to wait
  netlockd --no-wait --mode PR

  # Admin snapshots and Prometheus metrics
  netlockd --admin-listen 127.0.0.1:9343 --metrics-listen :9344
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			level := pslog.InfoLevel
			if raw := strings.TrimSpace(viper.GetString("log-level")); raw != "" {
				parsed, ok := pslog.ParseLevel(raw)
				if !ok {
					return fmt.Errorf("invalid log level %q", raw)
				}
				level = parsed
			}
			levels := loggingutil.NewSwitch(baseLogger, level)
			logger := levels.Logger()
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to netlockd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := netlock.NewServer(cfg, netlock.WithLevelSwitch(levels))
			if err != nil {
				return err
			}
			if configFile != "" && viper.GetBool("watch-config") {
				watcher, err := newConfigWatcher(configFile, server, logger)
				if err != nil {
					cliLogger.Warn("config watch disabled", "path", configFile, "error", err)
				} else {
					go watcher.run(ctx)
				}
			}

			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			go func() {
				select {
				case <-ctx.Done():
					shutdown()
				case <-server.Done():
				}
			}()

			err = server.Start()
			// Start returns once the listeners close; wait for the drain too.
			shutdown()
			if err != nil && !errors.Is(err, netlock.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.netlock/"+netlock.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", netlock.DefaultListen, `TCP listen address ("-" disables TCP)`)
	flags.String("unix-socket", netlock.DefaultUnixSocket, "unix domain socket path (empty disables)")
	flags.String("advertise-address", "", "address returned to DISCOVER (default: the bound TCP address)")
	flags.Int("advertise-port", 0, "port returned to DISCOVER (default: the bound TCP port)")
	flags.String("admin-listen", netlock.DefaultAdminListen, "admin HTTP listen address for snapshots and status (empty disables)")
	flags.String("metrics-listen", netlock.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", netlock.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Int("max-connections", netlock.DefaultMaxConnections, "maximum concurrent connections per listener (negative disables)")
	flags.String("max-frame", configHumanizeBytes(netlock.DefaultMaxFrame), "maximum protocol frame size")
	flags.Duration("handshake-timeout", netlock.DefaultHandshakeTimeout, "time a new connection has to send its first request")
	flags.Duration("write-timeout", netlock.DefaultWriteTimeout, "timeout for a single frame write")
	flags.Bool("disable-create", false, `refuse to create unknown resources unless the request sets create="1"`)
	flags.Duration("lifespan", netlock.DefaultLifespan, "idle lifespan of new resources without connections")
	flags.String("mode", netlock.DefaultMode, "default lock mode (NL, CR, CW, PR, PW, EX)")
	flags.Bool("no-wait", false, "answer busy instead of queueing when a request does not ask to wait")
	flags.Int("quantity", netlock.DefaultQuantity, "default quantity for numeric resources")
	flags.Duration("poll-interval", netlock.DefaultPollInterval, "idle poll cadence of a resource loop")
	flags.Int("idle-threshold", netlock.DefaultIdleThreshold, "empty polls before an idle resource starts draining")
	flags.Duration("drain-grace", netlock.DefaultDrainGrace, "how long shutdown lets resources drain before stopping them")
	flags.Duration("shutdown-timeout", netlock.DefaultShutdownTimeout, "overall shutdown timeout (raised to drain-grace when lower)")
	flags.Bool("management", false, "accept MANAGEMENT requests (shutdown, retire, log-level)")
	flags.Bool("connguard-enabled", false, "block hosts that repeatedly send junk to the TCP listener")
	flags.Int("connguard-failure-threshold", netlock.DefaultConnguardFailureThreshold, "suspicious events before a host is blocked")
	flags.Duration("connguard-failure-window", netlock.DefaultConnguardFailureWindow, "window for counting suspicious events")
	flags.Duration("connguard-block-duration", netlock.DefaultConnguardBlockDuration, "how long a suspicious host stays blocked")
	flags.Duration("connguard-probe-timeout", netlock.DefaultConnguardProbeTimeout, "how long new TCP connections are probed for a frame prefix")
	flags.Bool("qrf-enabled", false, "pace or shed new connections while the daemon or host is overloaded")
	flags.Int("qrf-pending-soft-limit", netlock.DefaultQRFPendingSoftLimit, "unbound connections that arm pacing (0 disables)")
	flags.Int("qrf-pending-hard-limit", netlock.DefaultQRFPendingHardLimit, "unbound connections that engage pacing (0 disables)")
	flags.Float64("qrf-memory-soft-limit-percent", netlock.DefaultQRFMemorySoftLimitPercent, "host memory used percent that arms pacing")
	flags.Float64("qrf-memory-hard-limit-percent", netlock.DefaultQRFMemoryHardLimitPercent, "host memory used percent that engages pacing")
	flags.Float64("qrf-swap-soft-limit-percent", 0, "host swap used percent that arms pacing (0 disables)")
	flags.Float64("qrf-swap-hard-limit-percent", 0, "host swap used percent that engages pacing (0 disables)")
	flags.Float64("qrf-cpu-percent-soft-limit", netlock.DefaultQRFCPUPercentSoftLimit, "host CPU percent that arms pacing")
	flags.Float64("qrf-cpu-percent-hard-limit", netlock.DefaultQRFCPUPercentHardLimit, "host CPU percent that engages pacing")
	flags.Float64("qrf-load-soft-limit-multiplier", netlock.DefaultQRFLoadSoftLimitMultiplier, "load1 over its baseline that arms pacing")
	flags.Float64("qrf-load-hard-limit-multiplier", netlock.DefaultQRFLoadHardLimitMultiplier, "load1 over its baseline that engages pacing")
	flags.Int("qrf-recovery-samples", netlock.DefaultQRFRecoverySamples, "healthy samples required before pacing steps down")
	flags.Duration("qrf-soft-delay", netlock.DefaultQRFSoftDelay, "base pacing delay while soft armed")
	flags.Duration("qrf-engaged-delay", netlock.DefaultQRFEngagedDelay, "base pacing delay while engaged")
	flags.Duration("qrf-recovery-delay", netlock.DefaultQRFRecoveryDelay, "base pacing delay while recovering")
	flags.Duration("qrf-max-wait", netlock.DefaultQRFMaxWait, "longest pacing delay before a connection is shed with busy")
	flags.Duration("lsf-sample-interval", netlock.DefaultLSFSampleInterval, "pressure sampling interval")
	flags.Duration("lsf-log-interval", netlock.DefaultLSFLogInterval, "interval between debug pressure samples in the log (0 disables)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.Bool("watch-config", true, "reload resource defaults and log level when the config file changes")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("NETLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "unix-socket", "advertise-address", "advertise-port",
		"admin-listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"max-connections", "max-frame", "handshake-timeout", "write-timeout",
		"disable-create", "lifespan", "mode", "no-wait", "quantity", "poll-interval", "idle-threshold",
		"drain-grace", "shutdown-timeout", "management",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
		"qrf-enabled", "qrf-pending-soft-limit", "qrf-pending-hard-limit",
		"qrf-memory-soft-limit-percent", "qrf-memory-hard-limit-percent", "qrf-swap-soft-limit-percent", "qrf-swap-hard-limit-percent",
		"qrf-cpu-percent-soft-limit", "qrf-cpu-percent-hard-limit", "qrf-load-soft-limit-multiplier", "qrf-load-hard-limit-multiplier",
		"qrf-recovery-samples", "qrf-soft-delay", "qrf-engaged-delay", "qrf-recovery-delay", "qrf-max-wait",
		"lsf-sample-interval", "lsf-log-interval",
		"log-level", "watch-config",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *netlock.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.UnixSocket = viper.GetString("unix-socket")
	cfg.AdvertiseAddress = viper.GetString("advertise-address")
	cfg.AdvertisePort = viper.GetInt("advertise-port")
	cfg.AdminListen = viper.GetString("admin-listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MaxConnections = viper.GetInt("max-connections")
	if raw := strings.TrimSpace(viper.GetString("max-frame")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-frame: %w", err)
		}
		cfg.MaxFrame = int(size)
	}
	cfg.HandshakeTimeout = viper.GetDuration("handshake-timeout")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.DisableCreate = viper.GetBool("disable-create")
	cfg.Lifespan = viper.GetDuration("lifespan")
	cfg.Mode = viper.GetString("mode")
	cfg.NoWait = viper.GetBool("no-wait")
	cfg.Quantity = viper.GetInt("quantity")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.IdleThreshold = viper.GetInt("idle-threshold")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.Management = viper.GetBool("management")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.QRFEnabled = viper.GetBool("qrf-enabled")
	cfg.QRFPendingSoftLimit = viper.GetInt("qrf-pending-soft-limit")
	cfg.QRFPendingHardLimit = viper.GetInt("qrf-pending-hard-limit")
	cfg.QRFMemorySoftLimitPercent = viper.GetFloat64("qrf-memory-soft-limit-percent")
	cfg.QRFMemoryHardLimitPercent = viper.GetFloat64("qrf-memory-hard-limit-percent")
	cfg.QRFSwapSoftLimitPercent = viper.GetFloat64("qrf-swap-soft-limit-percent")
	cfg.QRFSwapHardLimitPercent = viper.GetFloat64("qrf-swap-hard-limit-percent")
	cfg.QRFCPUPercentSoftLimit = viper.GetFloat64("qrf-cpu-percent-soft-limit")
	cfg.QRFCPUPercentHardLimit = viper.GetFloat64("qrf-cpu-percent-hard-limit")
	cfg.QRFLoadSoftLimitMultiplier = viper.GetFloat64("qrf-load-soft-limit-multiplier")
	cfg.QRFLoadHardLimitMultiplier = viper.GetFloat64("qrf-load-hard-limit-multiplier")
	cfg.QRFRecoverySamples = viper.GetInt("qrf-recovery-samples")
	cfg.QRFSoftDelay = viper.GetDuration("qrf-soft-delay")
	cfg.QRFEngagedDelay = viper.GetDuration("qrf-engaged-delay")
	cfg.QRFRecoveryDelay = viper.GetDuration("qrf-recovery-delay")
	cfg.QRFMaxWait = viper.GetDuration("qrf-max-wait")
	cfg.LSFSampleInterval = viper.GetDuration("lsf-sample-interval")
	cfg.LSFLogInterval = viper.GetDuration("lsf-log-interval")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
