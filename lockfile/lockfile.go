// Copyright 2023 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lockfile implements the prefix-exclusive lock file spec.md §4.6
// step 1 requires: "Acquire an exclusive lock file under
// <prefix>/conda-meta/; fail if another process holds it."
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/juju/fslock"
)

// fileName matches the on-disk lock file name spec.md §6 names:
// "<prefix>/conda-meta/mamba.lock — a zero-length file acquired with an OS
// advisory exclusive lock".
const fileName = "mamba.lock"

// Lock guards a prefix's conda-meta directory against concurrent
// transactions.
type Lock struct {
	path      string
	ownerPath string
	lock      *fslock.Lock
}

// New returns a Lock for the given conda-meta directory. It does not
// acquire the lock.
func New(condaMetaDir string) *Lock {
	path := filepath.Join(condaMetaDir, fileName)
	return &Lock{
		path:      path,
		ownerPath: path + ".owner",
		lock:      fslock.New(path),
	}
}

// Acquire blocks until the lock is obtained or ctx is done, breaking a
// stale lock first if its recorded owner PID is no longer running.
func (l *Lock) Acquire(ctx context.Context) error {
	log := clog.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("lockfile: create conda-meta dir: %w", err)
	}

	if err := l.lock.TryLock(); errors.Is(err, fslock.ErrLocked) {
		if l.breakIfStale() {
			if err := l.lock.TryLock(); err == nil {
				return l.writeOwner()
			}
		}
		log.Infof("waiting for prefix lock %s", l.path)
		if err := l.waitForLock(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("lockfile: acquire %s: %w", l.path, err)
	}

	return l.writeOwner()
}

func (l *Lock) waitForLock(ctx context.Context) error {
	for {
		if err := l.lock.TryLock(); err == nil {
			return nil
		} else if !errors.Is(err, fslock.ErrLocked) {
			return fmt.Errorf("lockfile: acquire %s: %w", l.path, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// breakIfStale reports whether it broke a lock whose owner PID is dead,
// returning true if the caller should retry TryLock.
func (l *Lock) breakIfStale() bool {
	b, err := os.ReadFile(l.ownerPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(b))
	if err != nil {
		return false
	}
	if processAlive(pid) {
		return false
	}
	os.Remove(l.ownerPath)
	os.Remove(l.path)
	return true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

func (l *Lock) writeOwner() error {
	return os.WriteFile(l.ownerPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// OwnerPID returns the PID recorded in the sibling .owner file, if one
// exists and parses, for callers that want to name the holder in a
// contention error message (spec.md §7).
func (l *Lock) OwnerPID() (int, bool) {
	b, err := os.ReadFile(l.ownerPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Release drops the lock and removes the owner marker.
func (l *Lock) Release() error {
	os.Remove(l.ownerPath)
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("lockfile: release %s: %w", l.path, err)
	}
	return nil
}
