// Package udev implements boltd's kernel-event source (spec.md §4.1): a
// raw NETLINK_KOBJECT_UEVENT socket subscription filtered to the
// thunderbolt subsystem, plus a startup enumeration of
// /sys/bus/thunderbolt/devices that synthesizes add events in
// bus-topology order. The event-loop shape — a channel the caller
// selects on, paired with a done channel for clean shutdown — mirrors
// the teacher's netmon component's linkUpdateCh/linkDoneCh pair, which
// wraps a comparable netlink subscription (there, route/link events
// over rtnetlink; here, kobject events over the uevent netlink
// family). No pack dependency speaks NETLINK_KOBJECT_UEVENT, so the
// socket itself is hand-rolled directly on golang.org/x/sys/unix.
package udev

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
)

var log = blog.For("udev")

const subsystemFilter = "thunderbolt"

// Action is one of the three kernel hotplug actions this daemon cares
// about.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionRemove Action = "remove"
)

// Event is one hotplug notification: an action plus the syspath of the
// device it concerns. Callers wrap Syspath in a sysfs.Device to read
// attributes.
type Event struct {
	Action  Action
	Syspath string
}

// Monitor owns the raw uevent netlink socket and delivers parsed events
// on Events(). The daemon's event loop selects on this channel
// alongside its other suspension points (spec.md §5).
type Monitor struct {
	fd     int
	events chan Event
	done   chan struct{}
}

// Open creates and binds a NETLINK_KOBJECT_UEVENT socket. The kernel
// delivers every subsystem's uevents on this socket; Run filters to
// subsystemFilter.
func Open() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindUdev, err, "open uevent socket")
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // kernel-events multicast group
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, boltderr.Wrap(boltderr.KindUdev, err, "bind uevent socket")
	}

	m := &Monitor{
		fd:     fd,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	return m, nil
}

// Events returns the channel events are delivered on.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run reads and parses uevent datagrams until Close is called,
// delivering matching events on Events(). It is meant to run on its
// own goroutine; parsing happens off the main loop, but event
// consumption (and all state mutation) happens where the caller
// selects on Events(), preserving the single-writer main-loop model.
func (m *Monitor) Run() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		select {
		case <-m.done:
			return
		default:
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Warn("uevent recvfrom failed")
			return
		}

		ev, ok := parseUevent(buf[:n])
		if !ok {
			continue
		}
		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
	}
}

// Close shuts down the socket, unblocking Run.
func (m *Monitor) Close() error {
	close(m.done)
	return unix.Close(m.fd)
}

// parseUevent decodes a kobject-uevent datagram: a "ACTION@devpath\0"
// header line followed by NUL-separated KEY=VALUE fields, one of which
// is SUBSYSTEM. Events outside subsystemFilter are discarded.
func parseUevent(data []byte) (Event, bool) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 {
		return Event{}, false
	}

	header := fields[0]
	at := strings.IndexByte(header, '@')
	if at < 0 {
		return Event{}, false
	}
	action := header[:at]
	devpath := header[at+1:]

	var subsystem string
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "SUBSYSTEM=") {
			subsystem = strings.TrimPrefix(f, "SUBSYSTEM=")
			break
		}
	}
	if subsystem != subsystemFilter {
		return Event{}, false
	}

	switch Action(action) {
	case ActionAdd, ActionChange, ActionRemove:
	default:
		return Event{}, false
	}

	syspath := devpath
	if !strings.HasPrefix(syspath, "/sys") {
		syspath = filepath.Join("/sys", devpath)
	}

	return Event{Action: Action(action), Syspath: syspath}, true
}

// Enumerate scans busRoot (normally /sys/bus/thunderbolt/devices) and
// returns synthesized "add" events in bus-topology order: domains
// (whose sysfs node carries no dash-separated numeric depth beyond the
// domain id) before the peripherals nested under them, and otherwise
// shallower paths before deeper ones (spec.md §4.1 "parents first").
func Enumerate(busRoot string) ([]Event, error) {
	entries, err := os.ReadDir(busRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindUdev, err, "enumerate bus devices")
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Slice(names, func(i, j int) bool {
		di := strings.Count(names[i], "-")
		dj := strings.Count(names[j], "-")
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})

	events := make([]Event, 0, len(names))
	for _, name := range names {
		target, err := filepath.EvalSymlinks(filepath.Join(busRoot, name))
		if err != nil {
			log.WithError(err).WithField("name", name).Warn("skipping unresolvable bus device symlink")
			continue
		}
		events = append(events, Event{Action: ActionAdd, Syspath: target})
	}
	return events, nil
}
