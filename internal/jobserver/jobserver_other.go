//go:build windows

package jobserver

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/dvflow/dvflow/internal/env"
)

// On non-POSIX platforms there is no Mkfifo, so the pool degrades to
// an in-process weighted semaphore and does not publish MAKEFLAGS —
// documented as a platform limitation, not a silent behavior change
// (spec §4.7 "On non-POSIX").
func newOwnerPool(nproc int, envMap env.Map) (*Pool, error) {
	if nproc < 1 {
		nproc = 1
	}
	return &Pool{nproc: nproc, isOwner: true, sem: semaphore.NewWeighted(int64(nproc))}, nil
}

func joinPool(fifoPath string) (*Pool, error) {
	// Never reached: Discover only calls joinPool after confirming the
	// FIFO path exists on disk, which cannot happen on Windows.
	return newOwnerPool(1, env.Map{})
}

func (p *Pool) acquireByte() error {
	return p.sem.Acquire(context.Background(), 1)
}

func (p *Pool) releaseByte() error {
	p.sem.Release(1)
	return nil
}

func (p *Pool) closeOwned() {}
