// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sync"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// threadLocks serializes runs per thread. Acquisition is fail-fast: a
// second invocation on a busy thread is rejected, never queued.
type threadLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newThreadLocks() *threadLocks {
	return &threadLocks{held: make(map[string]struct{})}
}

func (l *threadLocks) acquire(threadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[threadID]; busy {
		return kerrors.New(kerrors.CodeSessionBusy, "session busy: thread "+threadID, nil)
	}
	l.held[threadID] = struct{}{}
	return nil
}

func (l *threadLocks) release(threadID string) {
	l.mu.Lock()
	delete(l.held, threadID)
	l.mu.Unlock()
}
