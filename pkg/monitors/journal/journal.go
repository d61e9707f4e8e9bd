// Package journal reads kernel messages from the systemd journal.
//
// A Source is filtered to kernel-transport entries at or above a priority
// threshold, positioned at the end of the journal when opened, and hands out
// entries one at a time through AwaitNext. Entries written before Open are
// never returned, so a restart does not replay old incidents.
package journal

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/supporttools/xhci-rebind/pkg/types"
)

const (
	// PriorityWarning is the syslog priority of kernel warnings.
	PriorityWarning = 4

	// defaultPollInterval caps a single journal wait so that context
	// cancellation is noticed promptly.
	defaultPollInterval = 1 * time.Second
)

// Journal is the subset of *sdjournal.Journal used by Source.
type Journal interface {
	AddMatch(match string) error
	SeekTail() error
	Next() (uint64, error)
	GetEntry() (*sdjournal.JournalEntry, error)
	Wait(timeout time.Duration) int
	GetBootID() (string, error)
	Close() error
}

// Filters restrict which journal entries a Source returns.
type Filters struct {
	// Transport is matched against _TRANSPORT. Empty disables the match.
	Transport string

	// MaxPriority is the least severe priority returned (0 emerg .. 7 debug).
	MaxPriority int

	// CurrentBootOnly restricts entries to the running boot.
	CurrentBootOnly bool
}

// DefaultFilters returns kernel entries at warning severity or higher from
// the current boot.
func DefaultFilters() Filters {
	return Filters{
		Transport:       "kernel",
		MaxPriority:     PriorityWarning,
		CurrentBootOnly: true,
	}
}

// StreamError reports a failure of the underlying journal. The watchdog
// cannot work without its log stream, so callers treat it as fatal.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("journal %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Source is a filtered, blocking sequence of journal entries. It is not safe
// for concurrent use.
type Source struct {
	journal      Journal
	filters      Filters
	pollInterval time.Duration
}

// Open opens the local system journal, applies filters and seeks to the end.
func Open(filters Filters) (*Source, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, &StreamError{Op: "open", Err: err}
	}

	source, err := NewSourceWithJournal(j, filters)
	if err != nil {
		j.Close()
		return nil, err
	}
	return source, nil
}

// NewSourceWithJournal creates a source over an already opened journal (for
// testing). It applies filters and seeks to the end like Open.
func NewSourceWithJournal(j Journal, filters Filters) (*Source, error) {
	if filters.MaxPriority < 0 || filters.MaxPriority > 7 {
		return nil, fmt.Errorf("max priority must be between 0 and 7, got %d", filters.MaxPriority)
	}

	s := &Source{
		journal:      j,
		filters:      filters,
		pollInterval: defaultPollInterval,
	}

	if err := s.addMatches(); err != nil {
		return nil, err
	}
	if err := s.SeekToEnd(); err != nil {
		return nil, err
	}
	return s, nil
}

// addMatches installs the journal matches. Matches on different fields are
// ANDed by the journal and matches on the same field are ORed, so adding
// every PRIORITY value up to the threshold selects "at or above".
func (s *Source) addMatches() error {
	if s.filters.Transport != "" {
		if err := s.journal.AddMatch(types.FieldTransport + "=" + s.filters.Transport); err != nil {
			return &StreamError{Op: "add match", Err: err}
		}
	}

	for p := 0; p <= s.filters.MaxPriority; p++ {
		if err := s.journal.AddMatch(types.FieldPriority + "=" + strconv.Itoa(p)); err != nil {
			return &StreamError{Op: "add match", Err: err}
		}
	}

	if s.filters.CurrentBootOnly {
		bootID, err := s.journal.GetBootID()
		if err != nil {
			return &StreamError{Op: "get boot id", Err: err}
		}
		if err := s.journal.AddMatch(types.FieldBootID + "=" + bootID); err != nil {
			return &StreamError{Op: "add match", Err: err}
		}
	}

	return nil
}

// SeekToEnd moves past every entry currently in the journal.
func (s *Source) SeekToEnd() error {
	if err := s.journal.SeekTail(); err != nil {
		return &StreamError{Op: "seek tail", Err: err}
	}

	for {
		n, err := s.journal.Next()
		if err != nil {
			return &StreamError{Op: "drain", Err: err}
		}
		if n == 0 {
			return nil
		}
	}
}

// AwaitNext returns the next matching entry. With types.WaitForever it blocks
// until an entry arrives, ctx ends, or the journal fails. With a timeout of
// zero or more it returns (nil, nil) when nothing arrived in time.
func (s *Source) AwaitNext(ctx context.Context, timeout time.Duration) (*types.LogEntry, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := s.journal.Next()
		if err != nil {
			return nil, &StreamError{Op: "next", Err: err}
		}
		if n > 0 {
			entry, err := s.journal.GetEntry()
			if err != nil {
				return nil, &StreamError{Op: "get entry", Err: err}
			}
			return toLogEntry(entry), nil
		}

		wait := s.pollInterval
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			if remaining < wait {
				wait = remaining
			}
		}

		if r := s.journal.Wait(wait); r < 0 {
			return nil, &StreamError{Op: "wait", Err: syscall.Errno(-r)}
		}
	}
}

// Close releases the journal handle.
func (s *Source) Close() error {
	return s.journal.Close()
}

func toLogEntry(entry *sdjournal.JournalEntry) *types.LogEntry {
	le := &types.LogEntry{Fields: entry.Fields}
	if entry.RealtimeTimestamp > 0 {
		le.Timestamp = time.UnixMicro(int64(entry.RealtimeTimestamp))
	}
	return le
}
