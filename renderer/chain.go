package renderer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sylvite/cadence/media"
)

// readyTimeout bounds how long a constructed backend may take to report
// Ready before the chain abandons it for the next candidate.
const readyTimeout = 2 * time.Second

// readyPoll is the Ready re-check interval while waiting.
const readyPoll = 10 * time.Millisecond

// Chain resolves a preferred backend kind to a constructed, ready backend,
// walking the fallback order when candidates fail. The constructor table is
// replaceable so tests can inject failing or slow candidates.
type Chain struct {
	log          *slog.Logger
	constructors map[Kind]Constructor
	readyTimeout time.Duration
}

// NewChain creates a chain with the default constructor set: the SDL
// accelerated and software backends where registered, and the baseline
// backend which is always present. If log is nil, slog.Default() is used.
func NewChain(log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	c := &Chain{
		log:          log.With("component", "renderer-chain"),
		constructors: map[Kind]Constructor{KindBaseline: newBaseline},
		readyTimeout: readyTimeout,
	}
	for kind, ctor := range platformConstructors {
		c.constructors[kind] = ctor
	}
	return c
}

// SetConstructor replaces the constructor for one kind. Passing nil removes
// the kind from the chain entirely.
func (c *Chain) SetConstructor(kind Kind, ctor Constructor) {
	if ctor == nil {
		delete(c.constructors, kind)
		return
	}
	c.constructors[kind] = ctor
}

// SetReadyTimeout overrides the per-candidate readiness timeout.
func (c *Chain) SetReadyTimeout(d time.Duration) {
	c.readyTimeout = d
}

// Create tries the preferred kind, then the remaining kinds in fallback
// order, returning the first backend that constructs and becomes ready.
// The returned kind is the one actually bound. An error is only possible
// if the baseline constructor has been removed or replaced with a failing
// one, which does not happen outside tests.
func (c *Chain) Create(surface Surface, preferred Kind) (Backend, Kind, error) {
	for _, kind := range candidateOrder(preferred) {
		ctor, ok := c.constructors[kind]
		if !ok {
			continue
		}
		backend, err := ctor(surface)
		if err != nil {
			c.log.Warn("backend construction failed, falling back",
				"backend", kind, "error", err)
			continue
		}
		if !c.awaitReady(backend) {
			c.log.Warn("backend never became ready, falling back", "backend", kind)
			backend.Dispose()
			continue
		}
		if kind != preferred {
			c.log.Info("renderer fallback", "requested", preferred, "actual", kind)
		}
		return backend, kind, nil
	}
	return nil, "", fmt.Errorf("%w: no backend in chain for %q", media.ErrRendererUnavailable, preferred)
}

func (c *Chain) awaitReady(b Backend) bool {
	deadline := time.Now().Add(c.readyTimeout)
	for {
		if b.Ready() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(readyPoll)
	}
}

// candidateOrder returns the preferred kind followed by the remaining
// fallback order without duplicates.
func candidateOrder(preferred Kind) []Kind {
	order := make([]Kind, 0, len(fallbackOrder)+1)
	order = append(order, preferred)
	for _, k := range fallbackOrder {
		if k != preferred {
			order = append(order, k)
		}
	}
	return order
}
