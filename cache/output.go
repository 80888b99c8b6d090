package cache

import (
	"errors"
	"fmt"
	"io"

	"github.com/timzifer/shdr_adapter/shdr"
)

// View is the read-only access compute functions get to the value store.
type View interface {
	Get(key string) (any, bool)
	Has(key string) bool
}

// ComputeFunc derives an output value from the current store contents.
//
// Compute functions run while the cache is locked. They must not block and
// must not write to the cache.
type ComputeFunc func(View) (any, error)

// Output describes one published data item: the keys it depends on, how its
// value is computed and how it is rendered.
type Output struct {
	shdr.DataItem

	// Device identifies the owning device in logs and metrics.
	Device    string
	DependsOn []string
	Compute   ComputeFunc

	// Guarded by the owning Cache; read them through Cache.LastValue and
	// Cache.Attached.
	lastValue any
	emitted   bool
	transport io.Writer
}

func (o *Output) validate() error {
	if o == nil {
		return errors.New("output must not be nil")
	}
	if o.Key == "" {
		return errors.New("output key must not be empty")
	}
	if o.Compute == nil {
		return fmt.Errorf("output %s: compute function must not be nil", o.Key)
	}
	if len(o.DependsOn) == 0 {
		return fmt.Errorf("output %s: depends_on must not be empty", o.Key)
	}
	for _, key := range o.DependsOn {
		if key == "" {
			return fmt.Errorf("output %s: dependency key must not be empty", o.Key)
		}
	}
	return nil
}
