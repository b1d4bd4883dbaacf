package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	netlockclient "pkt.systems/netlock/client"
	"pkt.systems/netlock/internal/loggingutil"
	"pkt.systems/netlock/internal/proto"
)

const (
	clientServerKey   = "client.server"
	clientAdminKey    = "client.admin"
	clientTimeoutKey  = "client.timeout"
	clientLogLevelKey = "client.log_level"

	envResource = "NETLOCK_RESOURCE"
	envElement  = "NETLOCK_ELEMENT"
	envServer   = "NETLOCK_SERVER"

	defaultClientServer = "127.0.0.1:9342"
	defaultClientAdmin  = "http://127.0.0.1:9343"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running netlockd server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "netlockd address (host:port, tcp://host:port or unix:///path)")
	flags.String("admin", defaultClientAdmin, "netlockd admin HTTP base URL (used by status)")
	flags.Duration("timeout", netlockclient.DefaultAnswerTimeout, "timeout for immediate answers")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, "NETLOCK_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientAdminKey, "NETLOCK_CLIENT_ADMIN", flags.Lookup("admin"))
	mustBindFlag(clientTimeoutKey, "NETLOCK_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "NETLOCK_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cfg.verboseFlag = &verbose

	cmd.AddCommand(
		newClientLockCommand(cfg),
		newClientPingCommand(cfg),
		newClientDiscoverCommand(cfg),
		newClientManageCommand(cfg),
		newClientStatusCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded      bool
	server      string
	admin       string
	timeout     time.Duration
	logLevel    string
	verboseFlag *bool
	logger      pslog.Logger
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultClientServer
	}
	c.admin = strings.TrimRight(strings.TrimSpace(viper.GetString(clientAdminKey)), "/")
	if c.admin == "" {
		c.admin = defaultClientAdmin
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = netlockclient.DefaultAnswerTimeout
	}
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if c.verboseFlag != nil && *c.verboseFlag {
		c.logLevel = "trace"
	}
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	levelStr := strings.TrimSpace(strings.ToLower(c.logLevel))
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		return nil
	}
	c.logger = loggingutil.WithSubsystem(pslog.NewStructured(os.Stderr), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) client() (*netlockclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []netlockclient.Option{netlockclient.WithAnswerTimeout(c.timeout)}
	if c.logger != nil {
		opts = append(opts, netlockclient.WithLogger(c.logger))
	}
	return netlockclient.New(c.server, opts...)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type lockResult struct {
	Resource string        `json:"resource"`
	Element  string        `json:"element,omitempty"`
	Warning  proto.Warning `json:"warning,omitempty"`
	Server   string        `json:"server"`
}

func newClientLockCommand(cfg *clientCLIConfig) *cobra.Command {
	var mode string
	var noWait bool
	var quantity int
	var create bool
	var lifespan time.Duration
	var hold time.Duration
	var rollback bool
	var output string

	cmd := &cobra.Command{
		Use:   "lock NAME [-- COMMAND [ARGS...]]",
		Short: "Hold a lock until interrupted, --hold expires or COMMAND exits",
		Long: `Locks NAME and keeps the connection open while the lock is held.
With a COMMAND the lock is held while it runs and released when it exits;
the command sees NETLOCK_RESOURCE, NETLOCK_ELEMENT and NETLOCK_SERVER.`,
		Example: `  # Serialise a cron job across hosts
  netlockd client lock --server lock.example:9342 nightly-report -- ./report.sh

  # Take one element from a set and hold it for a minute
  netlockd client lock --hold 1m "gpu0,gpu1,gpu2"

  # Take three of eight slots without queueing
  netlockd client lock --no-wait -q 3 "slots[8]"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var command []string
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				if dash != 1 {
					return fmt.Errorf("expected exactly one resource name before --")
				}
				command = args[dash:]
			} else if len(args) > 1 {
				return fmt.Errorf("unexpected arguments %q (put the command after --)", args[1:])
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()

			var opts []netlockclient.LockOption
			if mode != "" {
				opts = append(opts, netlockclient.WithMode(mode))
			}
			if cmd.Flags().Changed("no-wait") {
				opts = append(opts, netlockclient.WithWait(!noWait))
			}
			if cmd.Flags().Changed("quantity") {
				opts = append(opts, netlockclient.WithQuantity(quantity))
			}
			if cmd.Flags().Changed("create") {
				opts = append(opts, netlockclient.WithCreate(create))
			}
			if lifespan > 0 {
				opts = append(opts, netlockclient.WithLifespan(lifespan))
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			lease, err := cli.Lock(ctx, name, opts...)
			if err != nil {
				return err
			}
			result := lockResult{Resource: lease.Name(), Element: lease.Element(), Warning: lease.Warning(), Server: cfg.server}
			out := cmd.OutOrStdout()
			if len(command) > 0 {
				out = cmd.ErrOrStderr()
			}
			if err := printLockResult(out, outputMode(strings.ToLower(output)), result); err != nil {
				_ = lease.Close()
				return err
			}

			var runErr error
			if len(command) > 0 {
				runErr = runLocked(ctx, cmd, command, result)
			} else {
				waitHold(ctx, hold)
			}

			unlockCtx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
			defer cancel()
			var unlockErr error
			if rollback {
				unlockErr = lease.UnlockWithRollback(unlockCtx)
				if errors.Is(unlockErr, netlockclient.ErrNotTransactional) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s released without rollback: resource is not transactional\n", name)
					unlockErr = nil
				}
			} else {
				unlockErr = lease.Unlock(unlockCtx)
			}
			if runErr != nil {
				return runErr
			}
			return unlockErr
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "lock mode (NL, CR, CW, PR, PW, EX; default: server default)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "fail with busy instead of queueing")
	cmd.Flags().IntVarP(&quantity, "quantity", "q", 1, "quantity to take from a numeric resource")
	cmd.Flags().BoolVar(&create, "create", true, "create the resource when it does not exist")
	cmd.Flags().DurationVar(&lifespan, "lifespan", 0, "idle lifespan of a resource created by this request")
	cmd.Flags().DurationVar(&hold, "hold", 0, "release after this long (0 holds until interrupted)")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "ask the resource to roll back on release")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func printLockResult(out io.Writer, mode outputMode, res lockResult) error {
	switch mode {
	case outputJSON:
		return writeJSON(out, res)
	case outputText, "":
		line := "locked " + res.Resource
		if res.Element != "" {
			line += " element=" + res.Element
		}
		if res.Warning != proto.WarningNone {
			line += " warning=" + string(res.Warning)
		}
		_, err := fmt.Fprintln(out, line)
		return err
	default:
		return fmt.Errorf("unknown output format %q", mode)
	}
}

func waitHold(ctx context.Context, hold time.Duration) {
	if hold <= 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func runLocked(ctx context.Context, cmd *cobra.Command, command []string, res lockResult) error {
	child := exec.CommandContext(ctx, command[0], command[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = append(os.Environ(),
		envResource+"="+res.Resource,
		envElement+"="+res.Element,
		envServer+"="+res.Server,
	)
	if err := child.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return exitCodeError{code: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %s: %w", command[0], err)
	}
	return nil
}

func newClientPingCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:           "ping",
		Short:         "Check that the server answers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			rtt, err := cli.Ping(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", cfg.server, rtt.Round(time.Microsecond))
			return err
		},
	}
}

func newClientDiscoverCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "discover",
		Short:         "Print the address the server advertises",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			addr, port, err := cli.Discover(cmd.Context())
			if err != nil {
				return err
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), struct {
					Address string `json:"address"`
					Port    int    `json:"port"`
				}{addr, port})
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s:%d\n", addr, port)
				return err
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientManageCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "manage ACTION [KEY=VALUE...]",
		Short: "Send a MANAGEMENT request (requires --management on the server)",
		Example: `  netlockd client manage log-level level=debug
  netlockd client manage retire name=orders
  netlockd client manage shutdown`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.Manage(cmd.Context(), args[0], params); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", args[0], cfg.server)
			return err
		},
	}
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", pair)
		}
		params[key] = value
	}
	return params, nil
}

func newClientStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var resources bool
	cmd := &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show daemon status or resource snapshots from the admin endpoint",
		Example: `  netlockd client status --admin http://127.0.0.1:9343
  netlockd client status --resources
  netlockd client status fs/home/alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			path := "/v1/status"
			switch {
			case len(args) == 1:
				path = "/v1/resources/" + strings.TrimLeft(args[0], "/")
			case resources:
				path = "/v1/resources"
			}
			return fetchAdmin(cmd.Context(), cfg, path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&resources, "resources", false, "list snapshots of every live resource")
	return cmd
}

func fetchAdmin(ctx context.Context, cfg *clientCLIConfig, path string, out io.Writer) error {
	base, err := url.Parse(cfg.admin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid admin URL %q", cfg.admin)
	}
	httpClient := &http.Client{
		Timeout:   cfg.timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("admin %s: %s: %s", path, apiErr.Error, apiErr.Detail)
		}
		return fmt.Errorf("admin %s: %s", path, resp.Status)
	}
	_, err = out.Write(body)
	return err
}
