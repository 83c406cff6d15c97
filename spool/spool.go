// Package spool implements the durable on-disk mail queue.
//
// Each submitted message is split into one control file per recipient
// (named Q<id>.<seq>) that all reference a single shared body file
// (M<id>). Control files are made visible atomically with a
// write-to-temp-then-rename discipline, so a concurrently scanning
// queue runner never observes a half-written record. Mutual exclusion
// between runner processes is per item, through non-blocking advisory
// locks on the control file.
//
// The shared body file carries no reference counter; liveness is
// derived by scanning for control files of the same queue id, which
// stays truthful across crashes between file operations.
package spool

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tinylib/msgp/msgp"
)

const (
	controlPrefix = "Q"
	bodyPrefix    = "M"
	tmpPrefix     = "tmp."

	// flushFile is the sentinel whose creation asks a sleeping queue
	// runner to start a pass immediately.
	flushFile = "flush"
)

var (
	// ErrCorrupt marks an item whose control record cannot be decoded
	// or whose paired body file is missing. Corrupt items are skipped
	// and left on disk for the operator, never deleted automatically.
	ErrCorrupt = errors.New("spool: corrupt queue item")

	// ErrNotLocked is returned when an operation requires the caller
	// to have acquired the item first.
	ErrNotLocked = errors.New("spool: item not locked")
)

// Store manages one spool directory.
type Store struct {
	dir string
	log *slog.Logger
}

// New opens (creating if necessary) the spool directory.
func New(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the spool directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Queue is the transient fan-out view of one submitted message: the
// per-recipient items sharing one queue id and body file.
type Queue struct {
	ID     string
	Sender string
	Items  []*Item
}

// Add appends a recipient to the queue and returns its item. The item
// becomes durable only once committed.
func (q *Queue) Add(recipient string, remote bool) *Item {
	it := &Item{
		ID:        q.ID,
		Seq:       len(q.Items),
		Sender:    q.Sender,
		Recipient: recipient,
		Remote:    remote,
		Submitted: time.Now(),
	}
	q.Items = append(q.Items, it)
	return it
}

// Create allocates a fresh queue id and durably stores the message
// body. Control files for the recipients are written by Commit; until
// then the body is invisible to queue runners.
func (s *Store) Create(sender string, body io.Reader) (*Queue, error) {
	id := ulid.Make().String()

	tmp, err := os.CreateTemp(s.dir, tmpPrefix)
	if err != nil {
		return nil, fmt.Errorf("spool: create body: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("spool: write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("spool: sync body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("spool: close body: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, bodyPrefix+id)); err != nil {
		return nil, fmt.Errorf("spool: publish body: %w", err)
	}
	if err := s.syncDir(); err != nil {
		return nil, err
	}

	return &Queue{ID: id, Sender: sender}, nil
}

// Commit atomically writes the item's control file. The record is
// serialized to a temp file which is renamed over the control path;
// when the caller holds the item's lock, the lock is taken on the new
// file before the rename so exclusivity carries over without a window.
func (s *Store) Commit(it *Item) error {
	tmp, err := os.CreateTemp(s.dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("spool: create control: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := msgp.NewWriter(tmp)
	if err := it.encodeMsg(w); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: encode control: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: write control: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: sync control: %w", err)
	}

	if it.ctl != nil {
		// Pre-lock the replacement inode; uncontended since the file
		// is still invisible.
		ok, err := tryLock(tmp)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("spool: lock new control: %w", err)
		}
		if !ok {
			tmp.Close()
			return errors.New("spool: new control file unexpectedly locked")
		}
	}

	if err := os.Rename(tmp.Name(), s.controlPath(it)); err != nil {
		tmp.Close()
		return fmt.Errorf("spool: publish control: %w", err)
	}
	if err := s.syncDir(); err != nil {
		tmp.Close()
		return err
	}

	if it.ctl != nil {
		it.ctl.Close()
		it.ctl = tmp
	} else {
		tmp.Close()
	}
	return nil
}

// Enumerate lists all queue items currently in the spool without
// locking them. Items whose control record cannot be parsed or whose
// body file is missing are logged and skipped, never deleted.
func (s *Store) Enumerate() ([]*Item, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: scan directory: %w", err)
	}

	var items []*Item
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, controlPrefix) {
			continue
		}

		it, err := s.loadItem(name)
		if err != nil {
			s.log.Error("skipping corrupt queue item", "file", name, "err", err)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// loadItem parses a control file name and record into an Item.
func (s *Store) loadItem(name string) (*Item, error) {
	id, seq, err := parseControlName(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer f.Close()

	it := &Item{ID: id, Seq: seq}
	if err := it.decodeMsg(msgp.NewReader(f)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if _, err := os.Stat(s.bodyPath(it)); err != nil {
		return nil, fmt.Errorf("%w: body file: %v", ErrCorrupt, err)
	}
	return it, nil
}

// Acquire attempts a non-blocking exclusive lock on the item's control
// file. It returns false immediately when another process holds the
// lock or the item has been delivered and removed in the meantime.
// On success the control record is re-read under the lock, so the item
// reflects bookkeeping committed by other processes since enumeration.
func (s *Store) Acquire(it *Item) (bool, error) {
	if it.ctl != nil {
		return true, nil
	}

	f, err := os.OpenFile(s.controlPath(it), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("spool: open control: %w", err)
	}

	ok, err := tryLock(f)
	if err != nil || !ok {
		f.Close()
		return false, err
	}

	if err := it.decodeMsg(msgp.NewReader(f)); err != nil {
		unlock(f)
		f.Close()
		return false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if _, err := os.Stat(s.bodyPath(it)); err != nil {
		unlock(f)
		f.Close()
		return false, fmt.Errorf("%w: body file: %v", ErrCorrupt, err)
	}

	it.ctl = f
	return true, nil
}

// Release drops the item's lock without touching its files.
func (s *Store) Release(it *Item) {
	if it.ctl == nil {
		return
	}
	if err := unlock(it.ctl); err != nil {
		s.log.Error("unlock queue item", "id", it.ID, "seq", it.Seq, "err", err)
	}
	it.ctl.Close()
	it.ctl = nil
}

// Delete removes the item's control file and, once no other control
// file references the same queue id, the shared body file. The caller
// must hold the item's lock.
func (s *Store) Delete(it *Item) error {
	if it.ctl == nil {
		return ErrNotLocked
	}

	if err := os.Remove(s.controlPath(it)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: remove control: %w", err)
	}

	// Reference counting by directory scan: the body goes only when
	// the last control file of this queue id is gone.
	remaining, err := s.referencesTo(it.ID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := os.Remove(s.bodyPath(it)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("spool: remove body: %w", err)
		}
	}

	unlock(it.ctl)
	it.ctl.Close()
	it.ctl = nil
	return nil
}

// referencesTo counts control files referencing the given queue id.
func (s *Store) referencesTo(id string) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("spool: scan directory: %w", err)
	}

	n := 0
	for _, e := range entries {
		if eid, _, err := parseControlName(e.Name()); err == nil && eid == id {
			n++
		}
	}
	return n, nil
}

// OpenBody opens the item's shared body file for reading.
func (s *Store) OpenBody(it *Item) (*os.File, error) {
	f, err := os.Open(s.bodyPath(it))
	if err != nil {
		return nil, fmt.Errorf("spool: open body: %w", err)
	}
	return f, nil
}

// FlushSignal asks a sleeping queue runner to start a pass immediately
// by touching the flush sentinel file. Safe to call from any process.
func (s *Store) FlushSignal() error {
	path := filepath.Join(s.dir, flushFile)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("spool: flush signal: %w", err)
	}
	return f.Close()
}

// TakeFlush consumes a pending flush request, returning whether one
// was present.
func (s *Store) TakeFlush() bool {
	err := os.Remove(filepath.Join(s.dir, flushFile))
	return err == nil
}

// FlushedSince reports whether a flush was signalled within the given
// interval, without consuming it.
func (s *Store) FlushedSince(d time.Duration) bool {
	fi, err := os.Stat(filepath.Join(s.dir, flushFile))
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) <= d
}

func (s *Store) controlPath(it *Item) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%s.%d", controlPrefix, it.ID, it.Seq))
}

func (s *Store) bodyPath(it *Item) string {
	return filepath.Join(s.dir, bodyPrefix+it.ID)
}

// syncDir flushes directory metadata so renames survive a crash.
func (s *Store) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("spool: open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("spool: sync directory: %w", err)
	}
	return nil
}

// parseControlName splits a control file name Q<id>.<seq>.
func parseControlName(name string) (id string, seq int, err error) {
	if !strings.HasPrefix(name, controlPrefix) {
		return "", 0, fmt.Errorf("%w: not a control file: %s", ErrCorrupt, name)
	}
	rest := name[len(controlPrefix):]
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return "", 0, fmt.Errorf("%w: malformed control name: %s", ErrCorrupt, name)
	}
	seq, err = strconv.Atoi(rest[dot+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed control sequence: %s", ErrCorrupt, name)
	}
	return rest[:dot], seq, nil
}
