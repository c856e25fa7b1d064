package custody

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "chain_of_custody.log"))
	if err != nil {
		t.Fatalf("open custody log: %v", err)
	}
	return l
}

func TestEventsInInsertionOrder(t *testing.T) {
	l := openTestLog(t)
	actions := []string{ActionCreated, ActionFetched, ActionHashed, ActionSigned}
	for _, action := range actions {
		if _, err := l.Log(Entry{CaseID: "case-a", Action: action}); err != nil {
			t.Fatalf("log %s: %v", action, err)
		}
	}
	events, err := l.Events("")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != len(actions) {
		t.Fatalf("unexpected event count: %d", len(events))
	}
	for index, event := range events {
		if event.Action != actions[index] {
			t.Fatalf("event %d: got %s want %s", index, event.Action, actions[index])
		}
		if event.Seq != index+1 {
			t.Fatalf("event %d: unexpected seq %d", index, event.Seq)
		}
		if event.Status != StatusSuccess || event.Actor != DefaultActor {
			t.Fatalf("event %d: defaults not applied: %+v", index, event)
		}
	}
}

func TestEventsFilterByCase(t *testing.T) {
	l := openTestLog(t)
	for index := 0; index < 6; index++ {
		caseID := "case-a"
		if index%2 == 1 {
			caseID = "case-b"
		}
		if _, err := l.Log(Entry{CaseID: caseID, Action: fmt.Sprintf("step-%d", index)}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	events, err := l.Events("case-b")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for case-b, got %d", len(events))
	}
	for _, event := range events {
		if event.CaseID != "case-b" {
			t.Fatalf("filter leaked event from %s", event.CaseID)
		}
	}
	missing, err := l.Events("case-z")
	if err != nil {
		t.Fatalf("events for unknown case: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no events, got %d", len(missing))
	}
}

func TestEventsOnMissingFile(t *testing.T) {
	l := openTestLog(t)
	events, err := l.Events("")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty history")
	}
}

func TestAppendOnlyPreservesExistingBytes(t *testing.T) {
	l := openTestLog(t)
	if _, err := l.Log(Entry{CaseID: "c", Action: ActionCreated}); err != nil {
		t.Fatalf("log: %v", err)
	}
	before, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := l.Log(Entry{CaseID: "c", Action: ActionFetched, Status: StatusInProgress}); err != nil {
		t.Fatalf("log: %v", err)
	}
	after, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(after, before) {
		t.Fatalf("existing history was rewritten")
	}
}

func TestChainVerifiesAndDetectsTampering(t *testing.T) {
	l := openTestLog(t)
	for _, entry := range []Entry{
		{CaseID: "c1", Action: ActionCreated, Metadata: map[string]any{"url": "https://example.org"}},
		{CaseID: "c2", Action: ActionCreated},
		{CaseID: "c1", Action: ActionPIIMoved, Metadata: map[string]any{"vault_ref": "3f1c0d6e-2b1a-4c4e-9a57-0b8b8d1f2e3a", "type": "text"}},
		{CaseID: "c1", Action: ActionIngestFailed, Status: StatusError, Error: "fetch failed"},
	} {
		if _, err := l.Log(entry); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	events, err := l.Events("")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if err := VerifyChain(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := bytes.Replace(raw, []byte(`"type":"text"`), []byte(`"type":"html"`), 1)
	var parsed []Event
	if err := ParseLines(bytes.NewReader(tampered), func(_ []byte, event Event) { parsed = append(parsed, event) }); err != nil {
		t.Fatalf("parse tampered: %v", err)
	}
	if err := VerifyChain(parsed); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected chain break, got %v", err)
	}

	dropped := append([]Event{}, events[:2]...)
	dropped = append(dropped, events[3])
	if err := VerifyChain(dropped); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected removed event to break the chain, got %v", err)
	}
}

func TestChainContinuesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain_of_custody.log")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Log(Entry{CaseID: "c", Action: ActionCreated}); err != nil {
		t.Fatalf("log: %v", err)
	}
	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	event, err := second.Log(Entry{CaseID: "c", Action: ActionFetched})
	if err != nil {
		t.Fatalf("log after reopen: %v", err)
	}
	if event.Seq != 2 || event.PrevHash == "" {
		t.Fatalf("chain did not continue: %+v", event)
	}
}

func TestLogSurvivesTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain_of_custody.log")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Log(Entry{CaseID: "case-a", Action: ActionCreated}); err != nil {
		t.Fatalf("log case-a: %v", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for fragment: %v", err)
	}
	if _, err := file.WriteString(`{"action":"crea`); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	_ = file.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	created, err := second.Log(Entry{CaseID: "case-b", Action: ActionCreated})
	if err != nil {
		t.Fatalf("log case-b after torn line: %v", err)
	}
	if created.Seq != 1 {
		t.Fatalf("unexpected seq for new case: %d", created.Seq)
	}
	fetched, err := second.Log(Entry{CaseID: "case-a", Action: ActionFetched})
	if err != nil {
		t.Fatalf("log case-a after torn line: %v", err)
	}
	if fetched.Seq != 2 || fetched.PrevHash == "" {
		t.Fatalf("case-a chain did not continue: %+v", fetched)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 || lines[1] != `{"action":"crea` {
		t.Fatalf("fragment was not isolated on its own line:\n%s", raw)
	}

	exported, err := second.ExportCase("case-b")
	if err != nil {
		t.Fatalf("export case-b: %v", err)
	}
	if strings.Count(string(exported), "\n") != 1 {
		t.Fatalf("unexpected export: %s", exported)
	}
	if _, err := second.Events(""); err == nil {
		t.Fatal("expected strict event read to report the torn line")
	}
}

func TestExportCase(t *testing.T) {
	l := openTestLog(t)
	for _, caseID := range []string{"keep", "other", "keep"} {
		if _, err := l.Log(Entry{CaseID: caseID, Action: ActionCreated}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	exported, err := l.ExportCase("keep")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(exported)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 exported lines, got %d", len(lines))
	}
	if strings.Contains(string(exported), `"other"`) {
		t.Fatalf("export leaked another case")
	}
}

func TestConcurrentWritersProduceParseableLines(t *testing.T) {
	l := openTestLog(t)
	const cases = 8
	const perCase = 20
	var group sync.WaitGroup
	group.Add(cases)
	for c := 0; c < cases; c++ {
		go func(caseIndex int) {
			defer group.Done()
			for step := 0; step < perCase; step++ {
				if _, err := l.Log(Entry{CaseID: fmt.Sprintf("case-%d", caseIndex), Action: "step"}); err != nil {
					t.Errorf("log: %v", err)
					return
				}
			}
		}(c)
	}
	group.Wait()
	events, err := l.Events("")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != cases*perCase {
		t.Fatalf("unexpected event count: %d", len(events))
	}
	if err := VerifyChain(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func TestLogRequiresCaseAndAction(t *testing.T) {
	l := openTestLog(t)
	if _, err := l.Log(Entry{Action: ActionCreated}); err == nil {
		t.Fatalf("expected missing case id to be rejected")
	}
	if _, err := l.Log(Entry{CaseID: "c"}); err == nil {
		t.Fatalf("expected missing action to be rejected")
	}
}

func TestClockIsInjectable(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	l, err := Open(filepath.Join(t.TempDir(), "c.log"), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	event, err := l.Log(Entry{CaseID: "c", Action: ActionCreated})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !event.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected timestamp: %v", event.Timestamp)
	}
}
