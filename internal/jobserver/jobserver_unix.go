//go:build !windows

package jobserver

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/dvflow/dvflow/internal/env"
)

// newOwnerPool creates a real named pipe via syscall.Mkfifo, pre-fills
// it with nproc-1 single-byte tokens, and publishes MAKEFLAGS into
// envMap (spec §4.7).
func newOwnerPool(nproc int, envMap env.Map) (*Pool, error) {
	if nproc < 1 {
		nproc = 1
	}
	fifoPath := filepath.Join(os.TempDir(), fmt.Sprintf("dvflow-jobserver-%s.fifo", uuid.NewString()))
	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("jobserver: creating fifo: %w", err)
	}
	f, err := os.OpenFile(fifoPath, os.O_RDWR, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("jobserver: opening fifo: %w", err)
	}
	for i := 0; i < nproc-1; i++ {
		if _, err := f.Write([]byte{'+'}); err != nil {
			f.Close()
			return nil, fmt.Errorf("jobserver: pre-filling fifo: %w", err)
		}
	}
	envMap[MakeflagsKey] = fmt.Sprintf("--jobserver-auth=fifo:%s", fifoPath)
	return &Pool{nproc: nproc, isOwner: true, fifoPath: fifoPath, fifo: f}, nil
}

// joinPool opens an existing owner's FIFO as a non-owner participant.
func joinPool(fifoPath string) (*Pool, error) {
	f, err := os.OpenFile(fifoPath, os.O_RDWR, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("jobserver: joining fifo %s: %w", fifoPath, err)
	}
	return &Pool{isOwner: false, fifoPath: fifoPath, fifo: f}, nil
}

func (p *Pool) acquireByte() error {
	buf := make([]byte, 1)
	_, err := p.fifo.Read(buf)
	return err
}

func (p *Pool) releaseByte() error {
	_, err := p.fifo.Write([]byte{'+'})
	return err
}

func (p *Pool) closeOwned() {
	if p.isOwner {
		p.fifo.Close()
		os.Remove(p.fifoPath)
	} else {
		p.fifo.Close()
	}
}
