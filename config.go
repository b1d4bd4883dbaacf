package netlock

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/netlock/internal/connguard"
	"pkt.systems/netlock/internal/locker"
	"pkt.systems/netlock/internal/lsf"
	"pkt.systems/netlock/internal/proto"
	"pkt.systems/netlock/internal/qrf"
	"pkt.systems/netlock/internal/resource"
)

const (
	// DefaultListen is the default TCP endpoint the daemon binds to.
	DefaultListen = ":9342"
	// DefaultUnixSocket is the default unix socket path (empty disables).
	DefaultUnixSocket = ""
	// DefaultAdminListen is the default introspection HTTP endpoint (empty disables).
	DefaultAdminListen = ""
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMaxConnections caps concurrently open client connections per listener.
	DefaultMaxConnections = 4096
	// DefaultMaxFrame bounds the payload size of a single protocol frame.
	DefaultMaxFrame = proto.DefaultMaxFrame
	// DefaultHandshakeTimeout bounds the wait for the first frame on a new connection.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultLifespan is how long an idle resource survives without connections.
	DefaultLifespan = locker.DefaultLifespan
	// DefaultMode is the lock mode used when a request names none.
	DefaultMode = "EX"
	// DefaultQuantity is the quantity used when a request names none.
	DefaultQuantity = resource.DefaultQuantity
	// DefaultPollInterval is the idle poll cadence of a locker loop.
	DefaultPollInterval = locker.DefaultPollInterval
	// DefaultIdleThreshold is the number of empty polls before a loop starts draining.
	DefaultIdleThreshold = locker.DefaultIdleThreshold
	// DefaultDrainGrace bounds how long a quiesced shutdown waits for clients.
	DefaultDrainGrace = 10 * time.Second
	// DefaultShutdownTimeout caps the overall shutdown sequence.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultConnguardFailureThreshold is the number of suspicious connection events required before blocking a host.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for suspicious connection events.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a host remains blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds the wait for a frame prefix on new TCP connections.
	DefaultConnguardProbeTimeout = 2 * time.Second
	// DefaultQRFPendingSoftLimit is the unbound connection count that arms pacing.
	DefaultQRFPendingSoftLimit = 1024
	// DefaultQRFPendingHardLimit is the unbound connection count that engages pacing.
	DefaultQRFPendingHardLimit = 2048
	// DefaultQRFMemorySoftLimitPercent arms pacing on host memory usage.
	DefaultQRFMemorySoftLimitPercent = 75.0
	// DefaultQRFMemoryHardLimitPercent engages pacing on host memory usage.
	DefaultQRFMemoryHardLimitPercent = 85.0
	// DefaultQRFCPUPercentSoftLimit arms pacing on host CPU usage.
	DefaultQRFCPUPercentSoftLimit = 70.0
	// DefaultQRFCPUPercentHardLimit engages pacing on host CPU usage.
	DefaultQRFCPUPercentHardLimit = 85.0
	// DefaultQRFLoadSoftLimitMultiplier arms pacing when load1 exceeds its baseline by this factor.
	DefaultQRFLoadSoftLimitMultiplier = 4.0
	// DefaultQRFLoadHardLimitMultiplier engages pacing when load1 exceeds its baseline by this factor.
	DefaultQRFLoadHardLimitMultiplier = 8.0
	// DefaultQRFRecoverySamples is the number of healthy samples needed to step down.
	DefaultQRFRecoverySamples = 5
	// DefaultQRFSoftDelay is the base pacing delay while soft armed.
	DefaultQRFSoftDelay = 50 * time.Millisecond
	// DefaultQRFEngagedDelay is the base pacing delay while engaged.
	DefaultQRFEngagedDelay = 250 * time.Millisecond
	// DefaultQRFRecoveryDelay is the base pacing delay while recovering.
	DefaultQRFRecoveryDelay = 200 * time.Millisecond
	// DefaultQRFMaxWait is the longest a connection is paced before it is shed.
	DefaultQRFMaxWait = 5 * time.Second
	// DefaultLSFSampleInterval is the pressure sampling cadence.
	DefaultLSFSampleInterval = 200 * time.Millisecond
	// DefaultLSFLogInterval is the cadence of debug sample logs (0 disables).
	DefaultLSFLogInterval = 15 * time.Second
	// DefaultConfigFileName is the file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of a netlockd server.
type Config struct {
	// Listen is the TCP address for lock clients. "-" disables TCP.
	Listen string
	// UnixSocket is an optional unix domain socket path for local clients.
	UnixSocket string
	// AdvertiseAddress and AdvertisePort are returned to DISCOVER requests.
	// Empty values are derived from the bound TCP listener.
	AdvertiseAddress string
	AdvertisePort    int
	// AdminListen exposes resource snapshots and process status over HTTP.
	AdminListen string
	// MetricsListen exposes Prometheus metrics.
	MetricsListen string
	// PprofListen exposes net/http/pprof handlers.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus exporter.
	EnableProfilingMetrics bool

	// MaxConnections caps concurrently accepted connections per listener.
	// Negative disables the cap.
	MaxConnections int
	// MaxFrame bounds a single frame payload in bytes.
	MaxFrame int
	// HandshakeTimeout bounds the wait for a connection's first frame.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// DisableCreate refuses LOCK requests for unknown resources unless the
	// request sets create="1".
	DisableCreate bool
	// Lifespan is the idle lifespan of resources created without one.
	Lifespan time.Duration
	// Mode is the default lock mode (NL, CR, CW, PR, PW, EX or a long name).
	Mode string
	// NoWait makes requests without a wait flag fail with busy instead of queueing.
	NoWait bool
	// Quantity is the default quantity for numeric resources.
	Quantity int
	// PollInterval is the idle poll cadence of each locker loop.
	PollInterval time.Duration
	// IdleThreshold is the number of empty polls before a loop drains.
	IdleThreshold int

	// DrainGrace bounds how long Shutdown lets loops drain before forcing them.
	DrainGrace time.Duration
	// ShutdownTimeout caps the whole shutdown sequence started by the CLI.
	ShutdownTimeout time.Duration
	// Management accepts MANAGEMENT requests from clients.
	Management bool

	// ConnguardEnabled enables suspicious-connection protection on the TCP listener.
	ConnguardEnabled bool
	// ConnguardFailureThreshold controls how many suspicious events trigger a block.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window used to count suspicious events.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration controls how long a suspicious host is blocked.
	ConnguardBlockDuration time.Duration
	// ConnguardProbeTimeout controls how long new TCP connections are probed for a frame prefix.
	ConnguardProbeTimeout time.Duration

	// QRFEnabled paces new connections while the daemon or host is under
	// pressure and sheds them with busy when the pace exceeds QRFMaxWait.
	QRFEnabled bool
	// QRFPendingSoftLimit and QRFPendingHardLimit bound unbound connections.
	QRFPendingSoftLimit int
	QRFPendingHardLimit int
	// Host memory, swap and CPU limits in percent. Zero disables a limit.
	QRFMemorySoftLimitPercent float64
	QRFMemoryHardLimitPercent float64
	QRFSwapSoftLimitPercent   float64
	QRFSwapHardLimitPercent   float64
	QRFCPUPercentSoftLimit    float64
	QRFCPUPercentHardLimit    float64
	// Load limits are multiples of the moving load1 baseline.
	QRFLoadSoftLimitMultiplier float64
	QRFLoadHardLimitMultiplier float64
	// QRFRecoverySamples is the number of healthy samples needed to step down.
	QRFRecoverySamples int
	QRFSoftDelay       time.Duration
	QRFEngagedDelay    time.Duration
	QRFRecoveryDelay   time.Duration
	QRFMaxWait         time.Duration
	// LSFSampleInterval is the pressure sampling cadence.
	LSFSampleInterval time.Duration
	// LSFLogInterval is the cadence of debug sample logs. Zero disables them.
	LSFLogInterval time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Listen == "-" && strings.TrimSpace(c.UnixSocket) == "" {
		return fmt.Errorf("config: tcp listener disabled and no unix socket configured")
	}
	if c.Listen != "-" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("config: listen %q: %w", c.Listen, err)
		}
	}
	c.UnixSocket = strings.TrimSpace(c.UnixSocket)
	if c.AdvertisePort < 0 || c.AdvertisePort > 65535 {
		return fmt.Errorf("config: advertise port %d out of range", c.AdvertisePort)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = DefaultMaxFrame
	}
	if c.MaxFrame > proto.MaxFrameSize {
		return fmt.Errorf("config: max frame %d exceeds %d", c.MaxFrame, proto.MaxFrameSize)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Lifespan == 0 {
		c.Lifespan = DefaultLifespan
	} else if c.Lifespan < 0 {
		return fmt.Errorf("config: lifespan must be >= 0")
	}
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = DefaultMode
	}
	mode, ok := resource.ParseMode(c.Mode)
	if !ok {
		return fmt.Errorf("config: unknown lock mode %q", c.Mode)
	}
	c.Mode = mode.String()
	if c.Quantity <= 0 {
		c.Quantity = DefaultQuantity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ShutdownTimeout < c.DrainGrace {
		c.ShutdownTimeout = c.DrainGrace
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		c.ConnguardProbeTimeout = 0
	}
	return c.validateQRF()
}

func (c *Config) validateQRF() error {
	if c.QRFPendingSoftLimit == 0 {
		c.QRFPendingSoftLimit = DefaultQRFPendingSoftLimit
	}
	if c.QRFPendingHardLimit == 0 {
		c.QRFPendingHardLimit = DefaultQRFPendingHardLimit
	}
	if c.QRFMemorySoftLimitPercent == 0 {
		c.QRFMemorySoftLimitPercent = DefaultQRFMemorySoftLimitPercent
	}
	if c.QRFMemoryHardLimitPercent == 0 {
		c.QRFMemoryHardLimitPercent = DefaultQRFMemoryHardLimitPercent
	}
	if c.QRFCPUPercentSoftLimit == 0 {
		c.QRFCPUPercentSoftLimit = DefaultQRFCPUPercentSoftLimit
	}
	if c.QRFCPUPercentHardLimit == 0 {
		c.QRFCPUPercentHardLimit = DefaultQRFCPUPercentHardLimit
	}
	if c.QRFLoadSoftLimitMultiplier == 0 {
		c.QRFLoadSoftLimitMultiplier = DefaultQRFLoadSoftLimitMultiplier
	}
	if c.QRFLoadHardLimitMultiplier == 0 {
		c.QRFLoadHardLimitMultiplier = DefaultQRFLoadHardLimitMultiplier
	}
	if c.QRFRecoverySamples <= 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	if c.QRFSoftDelay <= 0 {
		c.QRFSoftDelay = DefaultQRFSoftDelay
	}
	if c.QRFEngagedDelay <= 0 {
		c.QRFEngagedDelay = DefaultQRFEngagedDelay
	}
	if c.QRFRecoveryDelay <= 0 {
		c.QRFRecoveryDelay = DefaultQRFRecoveryDelay
	}
	if c.QRFMaxWait <= 0 {
		c.QRFMaxWait = DefaultQRFMaxWait
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	if c.LSFLogInterval < 0 {
		c.LSFLogInterval = 0
	}
	pairs := []struct {
		name       string
		soft, hard float64
		percent    bool
	}{
		{"qrf pending", float64(c.QRFPendingSoftLimit), float64(c.QRFPendingHardLimit), false},
		{"qrf memory", c.QRFMemorySoftLimitPercent, c.QRFMemoryHardLimitPercent, true},
		{"qrf swap", c.QRFSwapSoftLimitPercent, c.QRFSwapHardLimitPercent, true},
		{"qrf cpu", c.QRFCPUPercentSoftLimit, c.QRFCPUPercentHardLimit, true},
		{"qrf load", c.QRFLoadSoftLimitMultiplier, c.QRFLoadHardLimitMultiplier, false},
	}
	for _, p := range pairs {
		if p.soft < 0 || p.hard < 0 {
			return fmt.Errorf("config: %s limits must be >= 0", p.name)
		}
		if p.percent && (p.soft > 100 || p.hard > 100) {
			return fmt.Errorf("config: %s limits must be <= 100", p.name)
		}
		if p.soft > 0 && p.hard > 0 && p.soft > p.hard {
			return fmt.Errorf("config: %s soft limit %v exceeds hard limit %v", p.name, p.soft, p.hard)
		}
	}
	return nil
}

// ResourceDefaults converts the resource tunables into the defaults handed
// to newly created resources.
func (c Config) ResourceDefaults() locker.Defaults {
	d := locker.Defaults{
		Create:   !c.DisableCreate,
		Lifespan: c.Lifespan,
		Wait:     !c.NoWait,
		Quantity: c.Quantity,
		Mode:     resource.DefaultMode,
	}
	if m, ok := resource.ParseMode(c.Mode); ok {
		d.Mode = m
	}
	if d.Lifespan <= 0 {
		d.Lifespan = DefaultLifespan
	}
	if d.Quantity <= 0 {
		d.Quantity = DefaultQuantity
	}
	return d
}

func (c Config) lockerConfig() locker.Config {
	return locker.Config{PollInterval: c.PollInterval, IdleThreshold: c.IdleThreshold}
}

func (c Config) guardConfig() connguard.Config {
	return connguard.Config{
		Enabled:          c.ConnguardEnabled,
		FailureThreshold: c.ConnguardFailureThreshold,
		FailureWindow:    c.ConnguardFailureWindow,
		BlockDuration:    c.ConnguardBlockDuration,
		ProbeTimeout:     c.ConnguardProbeTimeout,
	}
}

func (c Config) qrfConfig() qrf.Config {
	return qrf.Config{
		Enabled:                c.QRFEnabled,
		PendingSoftLimit:       int64(c.QRFPendingSoftLimit),
		PendingHardLimit:       int64(c.QRFPendingHardLimit),
		MemorySoftLimitPercent: c.QRFMemorySoftLimitPercent,
		MemoryHardLimitPercent: c.QRFMemoryHardLimitPercent,
		SwapSoftLimitPercent:   c.QRFSwapSoftLimitPercent,
		SwapHardLimitPercent:   c.QRFSwapHardLimitPercent,
		CPUPercentSoftLimit:    c.QRFCPUPercentSoftLimit,
		CPUPercentHardLimit:    c.QRFCPUPercentHardLimit,
		LoadSoftMultiplier:     c.QRFLoadSoftLimitMultiplier,
		LoadHardMultiplier:     c.QRFLoadHardLimitMultiplier,
		RecoverySamples:        c.QRFRecoverySamples,
		SoftDelay:              c.QRFSoftDelay,
		EngagedDelay:           c.QRFEngagedDelay,
		RecoveryDelay:          c.QRFRecoveryDelay,
		MaxWait:                c.QRFMaxWait,
	}
}

func (c Config) lsfConfig() lsf.Config {
	return lsf.Config{
		Enabled:        c.QRFEnabled,
		SampleInterval: c.LSFSampleInterval,
		LogInterval:    c.LSFLogInterval,
	}
}

// advertised returns the DISCOVER answer for a server bound to tcp.
func (c Config) advertised(tcp net.Addr) *proto.Network {
	n := &proto.Network{Address: c.AdvertiseAddress, Port: c.AdvertisePort}
	if tcp == nil {
		return n
	}
	host, port, err := net.SplitHostPort(tcp.String())
	if err != nil {
		return n
	}
	if n.Address == "" {
		n.Address = host
	}
	if n.Port == 0 {
		n.Port, _ = strconv.Atoi(port)
	}
	return n
}

// DefaultConfigDir returns the default configuration directory ($HOME/.netlock).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("NETLOCK_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".netlock"), nil
}
