package commitlog

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brokerlabs/commitlog/ha"
)

// FlushDiskType selects which Flusher variant backs the engine.
type FlushDiskType int

const (
	Async FlushDiskType = iota
	Sync
)

// BrokerRole mirrors the roles recognized by §6.
type BrokerRole int

const (
	AsyncMaster BrokerRole = iota
	SyncMaster
	Slave
)

// Config holds every recognized option from §6.
type Config struct {
	StorePathCommitLog string
	MappedFileSize     int64
	MaxMessageSize     int

	FlushDiskType                  FlushDiskType
	FlushIntervalMillis            int64
	FlushCommitLogLeastPages       int
	FlushCommitLogThoroughInterval time.Duration
	SyncFlushTimeout               time.Duration

	UseSpinLockWhenPutMessage bool
	BrokerRole                BrokerRole
	CheckCRCOnRecover         bool

	HAService  ha.Service
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Option mutates a Config.
type Option func(*Config)

// WithStorePath sets the commit log directory.
func WithStorePath(dir string) Option { return func(c *Config) { c.StorePathCommitLog = dir } }

// WithMappedFileSize sets the fixed segment size S.
func WithMappedFileSize(size int64) Option { return func(c *Config) { c.MappedFileSize = size } }

// WithMaxMessageSize sets the maximum accepted message size.
func WithMaxMessageSize(n int) Option { return func(c *Config) { c.MaxMessageSize = n } }

// WithFlushDiskType selects Async or Sync durability.
func WithFlushDiskType(t FlushDiskType) Option { return func(c *Config) { c.FlushDiskType = t } }

// WithFlushInterval overrides the async flush tick interval.
func WithFlushInterval(ms int64) Option { return func(c *Config) { c.FlushIntervalMillis = ms } }

// WithFlushLeastPages overrides the async flusher's leastPages threshold.
func WithFlushLeastPages(n int) Option { return func(c *Config) { c.FlushCommitLogLeastPages = n } }

// WithFlushThoroughInterval overrides the async flusher's full-flush interval.
func WithFlushThoroughInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushCommitLogThoroughInterval = d }
}

// WithSyncFlushTimeout overrides the producer's sync-flush wait timeout.
func WithSyncFlushTimeout(d time.Duration) Option {
	return func(c *Config) { c.SyncFlushTimeout = d }
}

// WithSpinLock selects the spin-lock put-lock discipline.
func WithSpinLock(spin bool) Option { return func(c *Config) { c.UseSpinLockWhenPutMessage = spin } }

// WithBrokerRole sets the broker role.
func WithBrokerRole(role BrokerRole) Option { return func(c *Config) { c.BrokerRole = role } }

// WithCheckCRCOnRecover toggles CRC verification during recovery.
func WithCheckCRCOnRecover(check bool) Option {
	return func(c *Config) { c.CheckCRCOnRecover = check }
}

// WithHAService attaches the replication collaborator.
func WithHAService(s ha.Service) Option { return func(c *Config) { c.HAService = s } }

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithRegisterer attaches a prometheus registerer for engine metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

func defaultConfig() Config {
	return Config{
		MappedFileSize:                 1 << 30,
		MaxMessageSize:                 4 << 20,
		FlushDiskType:                  Async,
		FlushIntervalMillis:            500,
		FlushCommitLogLeastPages:       4,
		FlushCommitLogThoroughInterval: 10 * time.Second,
		SyncFlushTimeout:               5 * time.Second,
		BrokerRole:                     AsyncMaster,
		CheckCRCOnRecover:              false,
		HAService:                      ha.NoopService{},
		Logger:                         log.NewNopLogger(),
		Registerer:                     prometheus.NewRegistry(),
	}
}
