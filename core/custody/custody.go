// Package custody is the append-only chain-of-custody log shared by every
// ingestion. Each line is one canonical JSON event; events of the same case are
// hash-chained so an edited or removed line is detectable.
//
// The log performs no redaction. Callers pass metadata that already holds only
// references, counts and non-sensitive identifiers.
package custody

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/shomer/core/digest"
	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fsx"
	"github.com/davidahmann/shomer/core/jcs"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

const (
	ActionCreated          = "created"
	ActionFetched          = "fetched"
	ActionPIIDetected      = "pii-detected"
	ActionPIIMoved         = "pii-moved"
	ActionPseudonymized    = "pseudonymized"
	ActionImageMoved       = "image-moved"
	ActionImageFetchFailed = "image-fetch-failed"
	ActionHashed           = "hashed"
	ActionClassified       = "classified"
	ActionSigned           = "signed"
	ActionPackaged         = "packaged"
	ActionCompleted        = "completed"
	ActionIngestFailed     = "ingest-failed"
)

const (
	DefaultActor = "system"
	maxLineBytes = 4 * 1024 * 1024
)

type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	CaseID     string         `json:"case_id"`
	Action     string         `json:"action"`
	Status     Status         `json:"status"`
	Actor      string         `json:"actor"`
	Metadata   map[string]any `json:"metadata"`
	Error      string         `json:"error,omitempty"`
	Seq        int            `json:"seq"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	RecordHash string         `json:"record_hash"`
}

// Entry is what callers supply; the log fills timestamp and chain fields.
type Entry struct {
	CaseID   string
	Action   string
	Status   Status
	Actor    string
	Metadata map[string]any
	Error    string
}

type chainTail struct {
	seq  int
	hash string
}

type Log struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	tails map[string]chainTail
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func Open(path string, options ...Option) (*Log, error) {
	cleanPath, err := fsx.ValidateLocalOrAbsolutePath(path)
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("custody log path: %w", err), coreerrors.CategoryConfiguration, "custody_path_invalid", "", false)
	}
	l := &Log{
		path:   cleanPath,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.New(slog.DiscardHandler),
		tails:  map[string]chainTail{},
	}
	for _, option := range options {
		option(l)
	}
	return l, nil
}

func (l *Log) Path() string {
	return l.path
}

// Log appends one event. Status defaults to success and actor to system.
func (l *Log) Log(entry Entry) (Event, error) {
	caseID := strings.TrimSpace(entry.CaseID)
	action := strings.TrimSpace(entry.Action)
	if caseID == "" || action == "" {
		return Event{}, coreerrors.New(coreerrors.CategoryInvalidInput, "custody_entry_invalid", "custody event requires case id and action")
	}
	event := Event{
		CaseID:   caseID,
		Action:   action,
		Status:   entry.Status,
		Actor:    entry.Actor,
		Metadata: entry.Metadata,
		Error:    entry.Error,
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	if event.Actor == "" {
		event.Actor = DefaultActor
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var written Event
	err := fsx.AppendLineLockedFunc(l.path, func() ([]byte, error) {
		tail, err := l.tailLocked(caseID)
		if err != nil {
			return nil, err
		}
		event.Timestamp = l.now().UTC()
		event.Seq = tail.seq + 1
		event.PrevHash = tail.hash
		hash, err := RecordHash(event)
		if err != nil {
			return nil, err
		}
		event.RecordHash = hash
		line, err := jcs.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("encode custody event: %w", err)
		}
		written = event
		return line, nil
	}, 0o600)
	if err != nil {
		delete(l.tails, caseID)
		return Event{}, coreerrors.Wrap(fmt.Errorf("append custody event: %w", err), coreerrors.CategoryIOFailure, "custody_append_failed", "check custody log permissions", true)
	}
	l.tails[caseID] = chainTail{seq: written.Seq, hash: written.RecordHash}
	l.logger.Debug("custody event", "case_id", caseID, "action", action, "status", string(written.Status), "seq", written.Seq)
	return written, nil
}

// tailLocked returns the last chained event for caseID. The cache is filled by
// scanning the file once per case; l.mu must be held. Lines that do not decode,
// such as a fragment left by a crash mid-append, are skipped with a warning so
// one damaged line cannot stop appends for every case.
func (l *Log) tailLocked(caseID string) (chainTail, error) {
	if tail, ok := l.tails[caseID]; ok {
		return tail, nil
	}
	var tail chainTail
	err := l.scanLinesSkipping(func(_ []byte, event Event) {
		if event.CaseID == caseID {
			tail = chainTail{seq: event.Seq, hash: event.RecordHash}
		}
	})
	if err != nil {
		return chainTail{}, err
	}
	return tail, nil
}

// Events returns events in file order, restricted to caseID when it is non-empty.
func (l *Log) Events(caseID string) ([]Event, error) {
	caseID = strings.TrimSpace(caseID)
	events := make([]Event, 0)
	err := l.scan(func(event Event) {
		if caseID == "" || event.CaseID == caseID {
			events = append(events, event)
		}
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ExportCase returns the raw log lines belonging to caseID, byte for byte.
// Undecodable lines belong to no case and are skipped like in Log.
func (l *Log) ExportCase(caseID string) ([]byte, error) {
	var buffer bytes.Buffer
	err := l.scanLinesSkipping(func(line []byte, event Event) {
		if event.CaseID == caseID {
			buffer.Write(line)
			buffer.WriteByte('\n')
		}
	})
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func (l *Log) scan(fn func(Event)) error {
	return l.scanLines(func(_ []byte, event Event) { fn(event) })
}

func (l *Log) scanLines(fn func([]byte, Event)) error {
	return l.open(func(file io.Reader) error { return ParseLines(file, fn) })
}

func (l *Log) scanLinesSkipping(fn func([]byte, Event)) error {
	return l.open(func(file io.Reader) error {
		return parseLines(file, fn, func(lineNumber int, err error) error {
			l.logger.Warn("skipping undecodable custody line", "path", l.path, "line", lineNumber, "error", err.Error())
			return nil
		})
	})
}

func (l *Log) open(read func(io.Reader) error) error {
	// #nosec G304 -- custody path is validated at Open.
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open custody log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return read(file)
}

// ParseLines decodes a custody log stream, skipping blank lines. The first
// line that is not a valid event fails the parse.
func ParseLines(r io.Reader, fn func([]byte, Event)) error {
	return parseLines(r, fn, func(lineNumber int, err error) error {
		return coreerrors.Wrap(fmt.Errorf("custody log line %d: %w", lineNumber, err), coreerrors.CategoryVerification, "custody_line_invalid", "", false)
	})
}

func parseLines(r io.Reader, fn func([]byte, Event), invalid func(int, error) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			if invalidErr := invalid(lineNumber, err); invalidErr != nil {
				return invalidErr
			}
			continue
		}
		fn(append([]byte(nil), line...), event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read custody log: %w", err)
	}
	return nil
}

// RecordHash is the sha256 of the canonical event with RecordHash cleared.
func RecordHash(event Event) (string, error) {
	event.RecordHash = ""
	canonical, err := jcs.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode custody event: %w", err)
	}
	return digest.Bytes(canonical), nil
}

var ErrChainBroken = errors.New("custody chain broken")

// VerifyChain checks sequence continuity and hash links of every case present in events.
func VerifyChain(events []Event) error {
	tails := map[string]chainTail{}
	for index, event := range events {
		tail := tails[event.CaseID]
		if event.Seq != tail.seq+1 {
			return chainError(index, event, fmt.Sprintf("seq %d follows %d", event.Seq, tail.seq))
		}
		if event.PrevHash != tail.hash {
			return chainError(index, event, "prev_hash does not match previous record")
		}
		want, err := RecordHash(event)
		if err != nil {
			return err
		}
		if want != event.RecordHash {
			return chainError(index, event, "record_hash mismatch")
		}
		tails[event.CaseID] = chainTail{seq: event.Seq, hash: event.RecordHash}
	}
	return nil
}

func chainError(index int, event Event, detail string) error {
	return coreerrors.Wrap(fmt.Errorf("%w: event %d (case %s, action %s): %s", ErrChainBroken, index, event.CaseID, event.Action, detail), coreerrors.CategoryVerification, "custody_chain_broken", "", false)
}
