package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/netlock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage netlockd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.netlock/" + netlock.DefaultConfigFileName
	if dir, err := netlock.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, netlock.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default netlockd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := netlock.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, netlock.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                     string  `yaml:"listen"`
	UnixSocket                 string  `yaml:"unix-socket"`
	AdvertiseAddress           string  `yaml:"advertise-address"`
	AdvertisePort              int     `yaml:"advertise-port"`
	AdminListen                string  `yaml:"admin-listen"`
	MetricsListen              string  `yaml:"metrics-listen"`
	PprofListen                string  `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint               string  `yaml:"otlp-endpoint"`
	MaxConnections             int     `yaml:"max-connections"`
	MaxFrame                   string  `yaml:"max-frame"`
	HandshakeTimeout           string  `yaml:"handshake-timeout"`
	WriteTimeout               string  `yaml:"write-timeout"`
	DisableCreate              bool    `yaml:"disable-create"`
	Lifespan                   string  `yaml:"lifespan"`
	Mode                       string  `yaml:"mode"`
	NoWait                     bool    `yaml:"no-wait"`
	Quantity                   int     `yaml:"quantity"`
	PollInterval               string  `yaml:"poll-interval"`
	IdleThreshold              int     `yaml:"idle-threshold"`
	DrainGrace                 string  `yaml:"drain-grace"`
	ShutdownTimeout            string  `yaml:"shutdown-timeout"`
	Management                 bool    `yaml:"management"`
	ConnguardEnabled           bool    `yaml:"connguard-enabled"`
	ConnguardFailureThreshold  int     `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow     string  `yaml:"connguard-failure-window"`
	ConnguardBlockDuration     string  `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout      string  `yaml:"connguard-probe-timeout"`
	QRFEnabled                 bool    `yaml:"qrf-enabled"`
	QRFPendingSoftLimit        int     `yaml:"qrf-pending-soft-limit"`
	QRFPendingHardLimit        int     `yaml:"qrf-pending-hard-limit"`
	QRFMemorySoftLimitPercent  float64 `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardLimitPercent  float64 `yaml:"qrf-memory-hard-limit-percent"`
	QRFSwapSoftLimitPercent    float64 `yaml:"qrf-swap-soft-limit-percent"`
	QRFSwapHardLimitPercent    float64 `yaml:"qrf-swap-hard-limit-percent"`
	QRFCPUPercentSoftLimit     float64 `yaml:"qrf-cpu-percent-soft-limit"`
	QRFCPUPercentHardLimit     float64 `yaml:"qrf-cpu-percent-hard-limit"`
	QRFLoadSoftLimitMultiplier float64 `yaml:"qrf-load-soft-limit-multiplier"`
	QRFLoadHardLimitMultiplier float64 `yaml:"qrf-load-hard-limit-multiplier"`
	QRFRecoverySamples         int     `yaml:"qrf-recovery-samples"`
	QRFSoftDelay               string  `yaml:"qrf-soft-delay"`
	QRFEngagedDelay            string  `yaml:"qrf-engaged-delay"`
	QRFRecoveryDelay           string  `yaml:"qrf-recovery-delay"`
	QRFMaxWait                 string  `yaml:"qrf-max-wait"`
	LSFSampleInterval          string  `yaml:"lsf-sample-interval"`
	LSFLogInterval             string  `yaml:"lsf-log-interval"`
	LogLevel                   string  `yaml:"log-level"`
	WatchConfig                bool    `yaml:"watch-config"`
}

// configHumanizeBytes uses IEC units so the value parses back to the same
// byte count.
func configHumanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                     netlock.DefaultListen,
		UnixSocket:                 netlock.DefaultUnixSocket,
		AdminListen:                netlock.DefaultAdminListen,
		MetricsListen:              netlock.DefaultMetricsListen,
		PprofListen:                netlock.DefaultPprofListen,
		MaxConnections:             netlock.DefaultMaxConnections,
		MaxFrame:                   configHumanizeBytes(netlock.DefaultMaxFrame),
		HandshakeTimeout:           netlock.DefaultHandshakeTimeout.String(),
		WriteTimeout:               netlock.DefaultWriteTimeout.String(),
		Lifespan:                   netlock.DefaultLifespan.String(),
		Mode:                       netlock.DefaultMode,
		Quantity:                   netlock.DefaultQuantity,
		PollInterval:               netlock.DefaultPollInterval.String(),
		IdleThreshold:              netlock.DefaultIdleThreshold,
		DrainGrace:                 netlock.DefaultDrainGrace.String(),
		ShutdownTimeout:            netlock.DefaultShutdownTimeout.String(),
		ConnguardFailureThreshold:  netlock.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:     netlock.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:     netlock.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:      netlock.DefaultConnguardProbeTimeout.String(),
		QRFPendingSoftLimit:        netlock.DefaultQRFPendingSoftLimit,
		QRFPendingHardLimit:        netlock.DefaultQRFPendingHardLimit,
		QRFMemorySoftLimitPercent:  netlock.DefaultQRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent:  netlock.DefaultQRFMemoryHardLimitPercent,
		QRFCPUPercentSoftLimit:     netlock.DefaultQRFCPUPercentSoftLimit,
		QRFCPUPercentHardLimit:     netlock.DefaultQRFCPUPercentHardLimit,
		QRFLoadSoftLimitMultiplier: netlock.DefaultQRFLoadSoftLimitMultiplier,
		QRFLoadHardLimitMultiplier: netlock.DefaultQRFLoadHardLimitMultiplier,
		QRFRecoverySamples:         netlock.DefaultQRFRecoverySamples,
		QRFSoftDelay:               netlock.DefaultQRFSoftDelay.String(),
		QRFEngagedDelay:            netlock.DefaultQRFEngagedDelay.String(),
		QRFRecoveryDelay:           netlock.DefaultQRFRecoveryDelay.String(),
		QRFMaxWait:                 netlock.DefaultQRFMaxWait.String(),
		LSFSampleInterval:          netlock.DefaultLSFSampleInterval.String(),
		LSFLogInterval:             netlock.DefaultLSFLogInterval.String(),
		LogLevel:                   "info",
		WatchConfig:                true,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
