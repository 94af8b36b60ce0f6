// Copyright (c) 2022 The rcproxy Authors
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

// Package pidlock implements a single-instance PID-file lock: a process
// creates the file exclusively and writes its own PID into it, so a second
// invocation against the same path can tell whether the first is still
// alive and refuse to start (or, with -force, evict it).
package pidlock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"sqlrelay/pkg/logging"
)

const defaultMode = 0644

// Lock holds an acquired PID file; obtain one via Acquire. The zero value
// (what Acquire returns for an empty path) holds no file, and its Release
// is a no-op.
type Lock struct {
	path  string
	file  *os.File
	owner bool
}

// Acquire creates path exclusively and writes the current process's PID
// into it. If path already exists and names a live process, Acquire fails
// unless force is true, in which case the live holder is sent SIGKILL and
// the file is recreated. A file naming a dead process, or holding no
// parsable PID, is removed and recreated without force. An empty path disables the lock
// entirely: Acquire returns a Lock whose Release is a no-op.
func Acquire(path string, force bool) (*Lock, error) {
	if path == "" {
		return &Lock{}, nil
	}

	f, err := tryCreate(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		if err := resolveStale(path, force); err != nil {
			return nil, err
		}
		f, err = tryCreate(path)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, fmt.Errorf("pidlock: %s still held after resolving stale holder", path)
		}
	}

	pid := os.Getpid()
	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("pidlock: write pid to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		logging.Warnf("pidlock: sync %s: %v", path, err)
	}

	return &Lock{path: path, file: f, owner: true}, nil
}

// tryCreate attempts the O_CREAT|O_EXCL open. A nil, nil return means the
// file already exists and the caller should inspect it.
func tryCreate(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, defaultMode)
	if err == nil {
		return f, nil
	}
	if os.IsExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("pidlock: create %s: %w", path, err)
}

// resolveStale reads the PID recorded in path and decides whether it names
// a live process. A missing, empty, or unparsable file is removed outright.
// A live process is removed (after SIGKILL) only when force is true;
// otherwise resolveStale reports the process is still running.
func resolveStale(path string, force bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pidlock: read %s: %w", path, err)
	}

	text := strings.TrimSpace(string(data))
	pid, perr := strconv.Atoi(text)
	if text == "" || perr != nil || pid <= 0 {
		logging.Infof("pidlock: %s is empty or unreadable, removing", path)
		return os.Remove(path)
	}

	if err := unix.Kill(pid, 0); err != nil {
		if err == unix.ESRCH {
			logging.Infof("pidlock: pid %d from %s is no longer running, removing", pid, path)
			return os.Remove(path)
		}
		return fmt.Errorf("pidlock: checking pid %d: %w", pid, err)
	}

	if !force {
		return fmt.Errorf("pidlock: another instance is already running (pid %d)", pid)
	}

	logging.Infof("pidlock: forcing out pid %d", pid)
	_ = unix.Kill(pid, unix.SIGKILL)
	return os.Remove(path)
}

// Release closes and removes the PID file if this Lock created it.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Close()
	if l.owner {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pidlock: remove %s: %w", l.path, err)
		}
	}
	return nil
}
