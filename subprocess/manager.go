// Package subprocess spawns, tags, and reaps the supervisor's detector and
// device children. Every child is a copy of the currently running executable,
// distinguished only by its first argument (see cmd/serialosc).
package subprocess

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/wrl/serialosc/lalog"
)

// Kind tags a child handle so the supervisor can route IPC messages and
// lifetime callbacks to the correct handler without ever comparing pointer
// identity or sentinel addresses.
type Kind int

const (
	// KindDetector identifies the single detector child.
	KindDetector Kind = iota
	// KindDevice identifies one per-device child.
	KindDevice
)

func (k Kind) String() string {
	if k == KindDetector {
		return "detector"
	}
	return "device"
}

// stderrTailSize bounds how much of a child's stderr is retained for
// diagnostics; only the most recent bytes matter once a child has exited.
const stderrTailSize = 4096

// Child is a handle to one spawned subprocess: its OS process, the read end
// of its stdout pipe (buffered for ipc.Decode), and the tag that identifies
// its role.
type Child struct {
	Kind Kind
	// Arg is the argument the child was spawned with: "-d" for the
	// detector, or the devnode for a device.
	Arg string

	Pipe *bufio.Reader

	cmd        *exec.Cmd
	pipeFile   *os.File
	stderrTail *lalog.ByteLogWriter
	closeOnce  sync.Once
	logger     *lalog.Logger
}

// StderrTail returns the most recent bytes the child wrote to its stderr,
// with non-ASCII/unprintable bytes replaced by '?'. Useful for logging
// alongside a non-zero exit.
func (c *Child) StderrTail() string {
	if c.stderrTail == nil {
		return ""
	}
	return string(c.stderrTail.Retrieve(true))
}

// Manager tracks every live child so the supervisor can sweep them all on
// shutdown. Unlike a fixed-size instance pool, the device table here is
// unbounded and keyed by the child's own identity, since the number of
// connected devices is not known ahead of time.
type Manager struct {
	// ExecutablePath overrides the executable re-spawned for each child.
	// Left empty, Spawn resolves it via os.Executable() on first use.
	ExecutablePath string

	mutex    sync.Mutex
	children map[*Child]struct{}
	logger   lalog.Logger
}

// NewManager constructs a Manager ready for use.
func NewManager() *Manager {
	return &Manager{
		children: make(map[*Child]struct{}),
		logger:   lalog.Logger{ComponentName: "subprocess.Manager"},
	}
}

// Spawn locates the running executable, creates a pipe, and starts a copy of
// the executable with argument arg, with the child's stdout wired to the
// write end of the pipe. onExit is invoked, exactly once, from a dedicated
// goroutine once the child process has exited (cleanly or not); it receives
// the same Child handle returned by Spawn and the exit error, or nil on a
// clean (status 0) exit.
func (m *Manager) Spawn(kind Kind, arg string, onExit func(child *Child, err error)) (*Child, error) {
	exe := m.ExecutablePath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("subprocess.Spawn: cannot resolve own executable path - %w", err)
		}
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess.Spawn(%s): cannot create pipe - %w", kind, err)
	}

	stderrTail := lalog.NewByteLogWriter(lalog.DiscardCloser, stderrTailSize)

	cmd := exec.Command(exe, arg)
	cmd.Stdout = writeEnd
	cmd.Stderr = stderrTail
	cmd.Stdin = nil

	child := &Child{
		Kind:       kind,
		Arg:        arg,
		Pipe:       bufio.NewReader(readEnd),
		cmd:        cmd,
		pipeFile:   readEnd,
		stderrTail: stderrTail,
		logger:     &m.logger,
	}

	startErrChan := make(chan error, 1)
	go func() {
		startErrChan <- cmd.Start()
	}()
	if err := <-startErrChan; err != nil {
		writeEnd.Close()
		readEnd.Close()
		return nil, fmt.Errorf("subprocess.Spawn(%s, %s): failed to start - %w", kind, arg, err)
	}
	// The write end belongs to the child now; the parent only ever reads.
	if err := writeEnd.Close(); err != nil {
		m.logger.MaybeMinorError(err)
	}

	m.mutex.Lock()
	m.children[child] = struct{}{}
	m.mutex.Unlock()

	go func() {
		waitErr := cmd.Wait()
		m.mutex.Lock()
		delete(m.children, child)
		m.mutex.Unlock()
		if onExit != nil {
			onExit(child, waitErr)
		}
	}()

	return child, nil
}

// Close closes the child's read pipe. Safe to call more than once.
func (c *Child) Close() {
	c.closeOnce.Do(func() {
		if err := c.pipeFile.Close(); err != nil {
			logger := c.logger
			if logger == nil {
				logger = lalog.DefaultLogger
			}
			logger.MaybeMinorError(err)
		}
	})
}

// Kill forcibly terminates the child's process. Used during supervisor
// shutdown and when an IPC pipe is found to be corrupt.
func (c *Child) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// KillAll forcibly terminates every tracked child. Used during supervisor
// shutdown.
func (m *Manager) KillAll() {
	m.mutex.Lock()
	children := make([]*Child, 0, len(m.children))
	for c := range m.children {
		children = append(children, c)
	}
	m.mutex.Unlock()
	for _, c := range children {
		if err := c.Kill(); err != nil {
			m.logger.MaybeMinorError(err)
		}
		c.Close()
	}
}

// Count returns the number of currently tracked (live) children.
func (m *Manager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.children)
}
