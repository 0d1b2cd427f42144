package matrix

import (
	"testing"
)

func doneCell(steer, test string, correct, total int) Cell {
	return Cell{SteerPersonaID: steer, TestPersonaID: test, NCorrect: correct, NTotal: total, Status: StatusDone}
}

func failedCell(steer, test, reason string) Cell {
	return Cell{SteerPersonaID: steer, TestPersonaID: test, Status: StatusFailed, Error: reason}
}

func TestCellValidate(t *testing.T) {
	cases := []struct {
		name    string
		cell    Cell
		wantErr bool
	}{
		{"done ok", doneCell("a", "b", 3, 4), false},
		{"done zero total", doneCell("a", "b", 0, 0), true},
		{"done too many correct", doneCell("a", "b", 5, 4), true},
		{"failed ok", failedCell("a", "b", "timeout"), false},
		{"running not terminal", Cell{SteerPersonaID: "a", TestPersonaID: "b", Status: StatusRunning}, true},
		{"missing id", Cell{TestPersonaID: "b", Status: StatusFailed}, true},
	}
	for _, tc := range cases {
		err := tc.cell.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: wantErr=%v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestAccuracy(t *testing.T) {
	if got := doneCell("a", "a", 3, 4).Accuracy(); got != 0.75 {
		t.Fatalf("expected 0.75, got %f", got)
	}
	if got := (Cell{}).Accuracy(); got != 0 {
		t.Fatalf("expected 0 for empty cell, got %f", got)
	}
}

func TestSetDoneIsNotReplaced(t *testing.T) {
	m := New([]string{"a", "b"})

	applied, err := m.Set(doneCell("a", "b", 1, 2))
	if err != nil || !applied {
		t.Fatalf("first set: applied=%v err=%v", applied, err)
	}
	applied, err = m.Set(doneCell("a", "b", 2, 2))
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if applied {
		t.Fatal("second DONE should not be applied")
	}
	acc, ok := m.Accuracy(0, 1)
	if !ok || acc != 0.5 {
		t.Fatalf("first result should win, got %f ok=%v", acc, ok)
	}
}

func TestSetFailedThenDone(t *testing.T) {
	m := New([]string{"a", "b"})
	m.Set(failedCell("a", "b", "rate limited"))

	if _, ok := m.Accuracy(0, 1); ok {
		t.Fatal("failed cell should have no accuracy")
	}
	if len(m.FailedKeys()) != 1 {
		t.Fatalf("expected 1 failed key, got %d", len(m.FailedKeys()))
	}

	m.Set(doneCell("a", "b", 1, 1))
	if !m.Done(Key{Steer: "a", Test: "b"}) {
		t.Fatal("DONE should supersede FAILED")
	}
	if len(m.FailedKeys()) != 0 {
		t.Fatal("expected no failed keys after retry success")
	}
}

func TestSetUnknownPersona(t *testing.T) {
	m := New([]string{"a"})
	if _, err := m.Set(doneCell("a", "zzz", 1, 1)); err == nil {
		t.Fatal("expected error for unknown test persona")
	}
	if _, err := m.Set(doneCell("zzz", "a", 1, 1)); err == nil {
		t.Fatal("expected error for unknown steer persona")
	}
}

func TestMergeAndCoverage(t *testing.T) {
	m := New([]string{"a", "b", "c"})
	skipped := m.Merge([]Cell{
		doneCell("a", "a", 1, 1),
		doneCell("a", "b", 1, 2),
		failedCell("a", "c", "boom"),
		doneCell("b", "b", 2, 2),
		doneCell("x", "a", 1, 1),
	})
	if skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", skipped)
	}
	if m.DoneCount() != 3 {
		t.Fatalf("expected 3 done, got %d", m.DoneCount())
	}
	if m.RowDoneCount(0) != 2 {
		t.Fatalf("expected 2 done in row a, got %d", m.RowDoneCount(0))
	}
	want := 3.0 / 9.0
	if got := m.Coverage(); got != want {
		t.Fatalf("expected coverage %f, got %f", want, got)
	}
}

func TestEmptyMatrixCoverage(t *testing.T) {
	if got := New(nil).Coverage(); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
}

func TestPersonaIDsIsACopy(t *testing.T) {
	m := New([]string{"a", "b"})
	ids := m.PersonaIDs()
	ids[0] = "mutated"
	if i, ok := m.Index("a"); !ok || i != 0 {
		t.Fatal("matrix order should not change when the returned slice is mutated")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("DONE"); err != nil || s != StatusDone {
		t.Fatalf("parse DONE: %v %v", s, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatal("expected error for lowercase status")
	}
	if !StatusFailed.Terminal() || StatusRunning.Terminal() {
		t.Fatal("terminal classification wrong")
	}
}
