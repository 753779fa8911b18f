// Package jobserver implements the C6 job-token server: a GNU
// Make-compatible FIFO-backed token pool bounding concurrency across a
// process tree (spec §4.7).
package jobserver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dvflow/dvflow/internal/env"
)

// Pool is a jobserver token pool. The owner creates the FIFO and
// pre-fills it with nproc-1 tokens; a non-owner discovers the FIFO via
// MAKEFLAGS and participates without creating its own (spec §4.7).
type Pool struct {
	nproc     int
	isOwner   bool
	fifoPath  string
	fifo      *os.File
	mu        sync.Mutex
	implicit  bool // first Acquire is free, modeling the process's own implicit token
	sem       *semaphore.Weighted // only set on platforms without Mkfifo
}

// MakeflagsKey is the environment variable the jobserver publishes
// auth info into.
const MakeflagsKey = "MAKEFLAGS"

// ParseAuth extracts a `--jobserver-auth=fifo:<path>` FIFO path from a
// MAKEFLAGS value, if present.
func ParseAuth(makeflags string) (string, bool) {
	for _, tok := range strings.Fields(makeflags) {
		const prefix = "--jobserver-auth=fifo:"
		if strings.HasPrefix(tok, prefix) {
			return strings.TrimPrefix(tok, prefix), true
		}
	}
	return "", false
}

// Discover inspects envMap's MAKEFLAGS and, if a jobserver FIFO is
// already published, opens it as a non-owner participant; otherwise it
// creates a new owning pool with capacity nproc.
func Discover(envMap env.Map, nproc int) (*Pool, error) {
	if mf, ok := envMap[MakeflagsKey]; ok {
		if fifoPath, ok := ParseAuth(mf); ok {
			if _, err := os.Stat(fifoPath); err == nil {
				return joinPool(fifoPath)
			}
		}
	}
	return newOwnerPool(nproc, envMap)
}

// IsOwner reports whether this pool created (and therefore owns) the
// jobserver FIFO.
func (p *Pool) IsOwner() bool { return p.isOwner }

// Acquire blocks until a token is available (spec §4.7/§5). The first
// Acquire call on a given Pool is free, modeling "a process already
// holding its implicit token does not need to acquire for its first
// unit of work".
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if !p.implicit {
		p.implicit = true
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.sem != nil {
		return p.sem.Acquire(ctx, 1)
	}

	done := make(chan error, 1)
	go func() { done <- p.acquireByte() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the pool.
func (p *Pool) Release() error {
	p.mu.Lock()
	if !p.implicit {
		// nothing was ever acquired; nothing to release.
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.releaseByte()
}

// Close closes this pool's FIFO handle; the owning side also removes
// the FIFO from disk. Tokens still in the FIFO are not drained first.
func (p *Pool) Close() {
	p.closeOwned()
}

// Nproc returns the pool's configured capacity (0 for a joined,
// non-owner pool, whose capacity is managed by the remote owner).
func (p *Pool) Nproc() int { return p.nproc }
