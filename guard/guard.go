// Package guard implements boltd's reference-counted "keep the
// controller powered" tokens (spec.md §4.6): each Guard is backed by a
// state keyfile and, optionally, a named FIFO whose hangup signals
// that the creating client has gone away. This is the crash-safe
// substitute for cross-process reference counting described in
// spec.md §9: the kernel gives readiness-on-hangup for free, so the
// daemon never has to poll for the common case of "client exited
// cleanly".
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mvo5/goconfigparser"

	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
)

var log = blog.For("guard")

const (
	fileMode = os.FileMode(0600)
	dirMode  = os.FileMode(0700)
)

// Guard is one outstanding request to keep the controller powered.
type Guard struct {
	ID        string
	Who       string
	Pid       int
	StateFile string
	FifoPath  string

	dir string

	mu        sync.Mutex
	readFd    int
	watching  bool
	released  chan struct{}
	closeOnce sync.Once
}

// New creates an unpersisted Guard for who/pid, rooted at dir (normally
// the runtime state directory).
func New(dir, id, who string, pid int) *Guard {
	return &Guard{
		ID:        id,
		Who:       who,
		Pid:       pid,
		StateFile: filepath.Join(dir, id+".guard"),
		FifoPath:  filepath.Join(dir, id+".guard.fifo"),
		dir:       dir,
		readFd:    -1,
	}
}

// Persist writes the guard's keyfile to disk.
func (g *Guard) Persist() error {
	if err := os.MkdirAll(g.dir, dirMode); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "mkdir guard dir")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[guard]\n")
	fmt.Fprintf(&b, "id=%s\n", g.ID)
	fmt.Fprintf(&b, "who=%s\n", g.Who)
	fmt.Fprintf(&b, "pid=%d\n", g.Pid)

	tmp := g.StateFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), fileMode); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "write guard state")
	}
	if err := os.Rename(tmp, g.StateFile); err != nil {
		os.Remove(tmp)
		return boltderr.Wrap(boltderr.KindFailed, err, "rename guard state")
	}
	return nil
}

// Monitor sets up the FIFO: creates it (mode 0600, ignoring EEXIST),
// opens a non-blocking read side owned by the daemon's event loop, and
// opens a non-blocking write side to hand to the client. It returns the
// write side; the caller is responsible for passing its fd to the
// client and closing its own copy.
func (g *Guard) Monitor() (*os.File, error) {
	if err := unix.Mkfifo(g.FifoPath, 0600); err != nil && err != unix.EEXIST {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "mkfifo")
	}

	readFd, err := unix.Open(g.FifoPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "open fifo read side")
	}

	writeFd, err := unix.Open(g.FifoPath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(readFd)
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "open fifo write side")
	}

	g.mu.Lock()
	g.readFd = readFd
	g.released = make(chan struct{})
	g.watching = true
	g.mu.Unlock()

	go g.watch()

	return os.NewFile(uintptr(writeFd), g.FifoPath), nil
}

// watch runs on a worker goroutine, polling the read side for HUP|ERR
// and closing the released channel when observed. This is the
// suspension point named in spec.md §5 as "FIFO readiness
// notification".
func (g *Guard) watch() {
	fds := []unix.PollFd{{Fd: int32(g.readFd), Events: unix.POLLHUP | unix.POLLERR}}
	for {
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).WithField("id", g.ID).Warn("poll on guard fifo failed")
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			g.signalReleased()
			return
		}
	}
}

func (g *Guard) signalReleased() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		ch := g.released
		g.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	})
}

// Released returns a channel that is closed when the FIFO's read side
// observes a hangup (the client's write end closed).
func (g *Guard) Released() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released == nil {
		g.released = make(chan struct{})
	}
	return g.released
}

// Cleanup closes the FIFO read side if it is still open, then unlinks
// the guard's state file and its FIFO (spec.md §4.6).
func (g *Guard) Cleanup() error {
	g.mu.Lock()
	if g.readFd >= 0 {
		unix.Close(g.readFd)
		g.readFd = -1
		g.watching = false
	}
	g.mu.Unlock()

	var firstErr error
	if err := os.Remove(g.StateFile); err != nil && !os.IsNotExist(err) {
		firstErr = boltderr.Wrap(boltderr.KindFailed, err, "remove guard state")
	}
	if err := os.Remove(g.FifoPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = boltderr.Wrap(boltderr.KindFailed, err, "remove guard fifo")
	}
	return firstErr
}

// processAlive reports whether pid is alive, by /proc/<pid> existence
// (spec.md §4.6 Recover).
func processAlive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Recover scans dir for "*.guard" files left over from a prior run. For
// each: if there is no sibling FIFO, it is discarded as stale; if the
// FIFO exists but the recorded pid is dead, the FIFO is removed and the
// guard discarded; otherwise the guard is reattached with monitoring.
func Recover(dir string) ([]*Guard, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "read state dir")
	}

	var recovered []*Guard
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".guard") || e.IsDir() {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("skipping unreadable guard file")
			continue
		}

		cfg := goconfigparser.New()
		if err := cfg.ReadString(string(data)); err != nil {
			log.WithError(err).WithField("file", name).Warn("skipping malformed guard file")
			continue
		}

		id, _ := cfg.Get("guard", "id")
		who, _ := cfg.Get("guard", "who")
		pidStr, _ := cfg.Get("guard", "pid")
		pid, _ := strconv.Atoi(pidStr)

		if id == "" {
			id = strings.TrimSuffix(name, ".guard")
		}

		g := New(dir, id, who, pid)

		if _, err := os.Stat(g.FifoPath); os.IsNotExist(err) {
			log.WithField("id", id).Debug("discarding guard with no fifo")
			os.Remove(path)
			continue
		}

		if !processAlive(pid) {
			log.WithField("id", id).WithField("pid", pid).Debug("discarding guard for dead pid")
			os.Remove(g.FifoPath)
			os.Remove(path)
			continue
		}

		if _, err := g.Monitor(); err != nil {
			log.WithError(err).WithField("id", id).Warn("failed to re-attach guard monitor")
			continue
		}

		recovered = append(recovered, g)
	}

	return recovered, nil
}
