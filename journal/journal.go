// Package journal implements boltd's append-only device-change journal
// (spec.md §4.5): fixed-width entries, append+datasync, and a
// compaction-aware rewrite that copies to a lock file, appends, fsyncs,
// then atomically renames over the original — the same
// copy-then-rename-for-atomicity idiom the teacher's persist/fs driver
// uses for whole-file replacement, adapted here to an append log.
package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/boltderr"
)

var log = blog.For("journal")

// Op is one of the four journal operation characters (spec.md §3).
type Op byte

const (
	OpAdd     Op = '+'
	OpRemove  Op = '-'
	OpUpdate  Op = '='
	OpInvalid Op = '!'
)

func validOp(op Op) bool {
	switch op {
	case OpAdd, OpRemove, OpUpdate, OpInvalid:
		return true
	default:
		return false
	}
}

// Entry is one parsed journal line: uid, op, and a microsecond-since-
// epoch timestamp.
type Entry struct {
	Uid      string
	Op       Op
	TimeUsec uint64
}

// DiffEntry is one (uid, op) pair for PutDiff. A plain slice (rather
// than a map) is used so callers control and preserve entry order,
// which spec.md §8 scenario 4 requires ("u_a -, u_b +" in that order).
type DiffEntry struct {
	Uid string
	Op  Op
}

const fileMode = os.FileMode(0600)
const dirMode = os.FileMode(0700)

// Journal wraps a single append-only file.
type Journal struct {
	path string
	fh   *os.File
	// lastUsec tracks the most recently issued timestamp so Put's
	// monotonic-non-decreasing guarantee (spec.md §8) holds even when
	// the wall clock doesn't advance between two rapid calls.
	lastUsec uint64
}

// Open opens (creating if necessary) the journal file at path in
// append mode.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "mkdir journal dir")
	}
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "open journal")
	}
	return &Journal{path: path, fh: fh}, nil
}

// Close closes the underlying file handle.
func (j *Journal) Close() error {
	return j.fh.Close()
}

// nowUsec is the journal's timestamp source; a package variable so
// tests can make time deterministic.
var nowUsec = func() uint64 {
	return uint64(time.Now().UnixMicro())
}

// nextUsec returns a timestamp strictly greater than the last one
// issued, guaranteeing Put/PutDiff's monotonic-non-decreasing property
// even under a low-resolution or non-advancing clock.
func (j *Journal) nextUsec() uint64 {
	ts := nowUsec()
	if ts <= j.lastUsec {
		ts = j.lastUsec + 1
	}
	j.lastUsec = ts
	return ts
}

// encodeLine renders one entry as "<uid><op><16 hex chars>\n".
func encodeLine(uid string, op Op, usec uint64) string {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, usec)
	return fmt.Sprintf("%s%c%s\n", uid, byte(op), hex.EncodeToString(buf))
}

// Put appends one entry and fsyncs (datasync) before returning.
func (j *Journal) Put(uid string, op Op) error {
	if !validOp(op) {
		return boltderr.New(boltderr.KindFailed, "invalid journal op %q", op)
	}

	line := encodeLine(uid, op, j.nextUsec())
	if _, err := j.fh.WriteString(line); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "append journal entry")
	}
	if err := j.fh.Sync(); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "sync journal")
	}
	return nil
}

// decodeLine parses one journal line (without its trailing newline).
// Malformed or partial lines produce (Entry{}, false); callers skip
// them.
func decodeLine(line string) (Entry, bool) {
	// uid + 1-char op + 16 hex chars
	if len(line) < 1+1+16 {
		return Entry{}, false
	}
	tsHex := line[len(line)-16:]
	opByte := line[len(line)-17]
	uid := line[:len(line)-17]

	if uid == "" {
		return Entry{}, false
	}
	if !validOp(Op(opByte)) {
		return Entry{}, false
	}

	raw, err := hex.DecodeString(tsHex)
	if err != nil || len(raw) != 8 {
		return Entry{}, false
	}
	ts := binary.LittleEndian.Uint64(raw)

	return Entry{Uid: uid, Op: Op(opByte), TimeUsec: ts}, true
}

// List reads the file from the start and returns all parseable entries,
// skipping malformed lines (including a partially-written trailing
// line, the normal crash-recovery case per spec.md §4.5).
func List(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, boltderr.Wrap(boltderr.KindFailed, err, "open journal for read")
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, ok := decodeLine(line)
		if !ok {
			log.WithField("line", line).Warn("skipping malformed journal line")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// List reads this journal's own file.
func (j *Journal) List() ([]Entry, error) {
	return List(j.path)
}

// Reset truncates the journal to zero length.
func (j *Journal) Reset() error {
	if err := j.fh.Truncate(0); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "truncate journal")
	}
	if _, err := j.fh.Seek(0, io.SeekStart); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "seek journal")
	}
	j.lastUsec = 0
	return nil
}

// PutDiff performs a compaction-aware rewrite: it copies the current
// file to a ".lock" sibling, appends the given entries (in order),
// fsyncs, atomically renames over the original, then reopens in append
// mode.
func (j *Journal) PutDiff(diff []DiffEntry) (retErr error) {
	lockPath := j.path + ".lock"

	if err := j.fh.Sync(); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "sync before compaction")
	}

	src, err := os.Open(j.path)
	if err != nil && !os.IsNotExist(err) {
		return boltderr.Wrap(boltderr.KindFailed, err, "open journal for compaction")
	}
	if src != nil {
		defer src.Close()
	}

	lockFh, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "open lock file")
	}
	defer func() {
		if retErr != nil {
			lockFh.Close()
			os.Remove(lockPath)
		}
	}()

	if src != nil {
		if _, err := io.Copy(lockFh, src); err != nil {
			return boltderr.Wrap(boltderr.KindFailed, err, "copy journal to lock")
		}
	}

	for _, d := range diff {
		if !validOp(d.Op) {
			return boltderr.New(boltderr.KindFailed, "invalid journal op %q", d.Op)
		}
		if _, err := lockFh.WriteString(encodeLine(d.Uid, d.Op, j.nextUsec())); err != nil {
			return boltderr.Wrap(boltderr.KindFailed, err, "write compacted entry")
		}
	}

	if err := lockFh.Sync(); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "sync lock file")
	}
	if err := lockFh.Close(); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "close lock file")
	}

	if err := os.Rename(lockPath, j.path); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "rename compacted journal")
	}

	if err := j.fh.Close(); err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "close stale handle")
	}
	fh, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return boltderr.Wrap(boltderr.KindFailed, err, "reopen journal")
	}
	j.fh = fh

	return nil
}
