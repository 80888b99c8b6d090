package serviceio

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/timzifer/shdr_adapter/cache"
	"github.com/timzifer/shdr_adapter/config"
	"github.com/timzifer/shdr_adapter/telemetry"
)

// CacheWriter is the entry point ingestion sources push raw values through.
//
// Implementations must be safe for concurrent use because every source runs
// in its own goroutine. Writes trigger recomputation and delivery of the
// outputs depending on key.
type CacheWriter interface {
	Write(key string, value any, opts ...cache.WriteOption)
}

// Source feeds raw device values into the cache.
//
// Run blocks until ctx is cancelled or the source fails permanently. Sources
// should recover from transient transport failures on their own. Close
// releases connections and may be called after Run returned.
type Source interface {
	ID() string
	Run(ctx context.Context) error
	Close() error
}

// KeyDeclarer is implemented by sources that know upfront which cache keys
// they will write. The service uses it to warn about outputs depending on
// keys no source provides.
type KeyDeclarer interface {
	Keys() []string
}

// SourceDependencies bundles the collaborators handed to source factories.
type SourceDependencies struct {
	Cache     CacheWriter
	Logger    zerolog.Logger
	Collector telemetry.Collector
}

// SourceFactory constructs the ingestion source of a device from its input
// configuration.
//
// Factories allow different protocol implementations to be wired into the
// service without coupling it to concrete drivers.
type SourceFactory func(device config.DeviceConfig, deps SourceDependencies) (Source, error)
