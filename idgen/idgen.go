// Package idgen generates packet and task identities.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator produces unique identifiers.
type Generator interface {
	Generate() string
}

// NewSequential returns a generator whose first emitted ID is "1". IDs are
// deterministic as long as the order of calls is.
func NewSequential() Generator {
	return &sequentialGenerator{}
}

// NewParallel returns a generator that never contends between goroutines.
// The IDs are globally unique but not deterministic.
func NewParallel() Generator {
	return parallelGenerator{}
}

type sequentialGenerator struct {
	next atomic.Uint64
}

func (g *sequentialGenerator) Generate() string {
	return strconv.FormatUint(g.next.Add(1), 10)
}

type parallelGenerator struct{}

func (parallelGenerator) Generate() string {
	return xid.New().String()
}

var defaultGenerator atomic.Pointer[Generator]

// Default returns the process-wide generator. It is sequential unless
// SetDefault has installed a different one.
func Default() Generator {
	if g := defaultGenerator.Load(); g != nil {
		return *g
	}

	var g Generator = NewSequential()
	if defaultGenerator.CompareAndSwap(nil, &g) {
		return g
	}

	return *defaultGenerator.Load()
}

// SetDefault replaces the process-wide generator.
func SetDefault(g Generator) {
	defaultGenerator.Store(&g)
}
