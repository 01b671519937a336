package restrictions

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const testSheet = "Outstanding Restrictions"

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func writeWorkbook(t *testing.T, sheet string, cells [][]string) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		t.Fatalf("SetSheetName: %v", err)
	}
	for r, row := range cells {
		for c, val := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatalf("CoordinatesToCellName: %v", err)
			}
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				t.Fatalf("SetCellValue: %v", err)
			}
		}
	}

	path := filepath.Join(t.TempDir(), "tracker.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	return path
}

func TestReloadAndLookup(t *testing.T) {
	path := writeWorkbook(t, testSheet, [][]string{
		{"Custodian", "Account #", "Reason"},
		{"X", "643-149-03", "pending transfer"},
		{"Y", "999", "litigation hold"},
		{"Z", "", ""},
	})

	l := NewLoader(path, testSheet, "Account #", testLogger())
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if l.Size() != 2 {
		t.Fatalf("expected 2 entries, got %d", l.Size())
	}

	// Dashes are ignored on both sides of the comparison.
	if restricted, known := l.Restricted("64314903"); !known || !restricted {
		t.Errorf("expected 64314903 restricted (known=%v restricted=%v)", known, restricted)
	}
	if restricted, known := l.Restricted("9-9-9"); !known || !restricted {
		t.Errorf("expected 9-9-9 restricted (known=%v restricted=%v)", known, restricted)
	}
	if restricted, known := l.Restricted("12345"); !known || restricted {
		t.Errorf("expected 12345 clear (known=%v restricted=%v)", known, restricted)
	}
}

func TestUnknownBeforeFirstLoad(t *testing.T) {
	l := NewLoader("missing.xlsx", testSheet, "Account #", testLogger())
	if _, known := l.Restricted("123"); known {
		t.Error("expected unknown state before any successful load")
	}
}

func TestMissingAccountColumn(t *testing.T) {
	path := writeWorkbook(t, testSheet, [][]string{
		{"Custodian", "Acct", "Reason"},
		{"X", "123", "hold"},
	})

	l := NewLoader(path, testSheet, "Account #", testLogger())
	if err := l.Reload(); err == nil {
		t.Fatal("expected error for missing account column")
	}
}

func TestFailedReloadKeepsPreviousSet(t *testing.T) {
	path := writeWorkbook(t, testSheet, [][]string{
		{"Account #"},
		{"123"},
	})

	l := NewLoader(path, testSheet, "Account #", testLogger())
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	l.path = filepath.Join(t.TempDir(), "gone.xlsx")
	if err := l.Reload(); err == nil {
		t.Fatal("expected reload failure")
	}
	if restricted, known := l.Restricted("123"); !known || !restricted {
		t.Errorf("previous set should survive a failed reload (known=%v restricted=%v)", known, restricted)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"123-456":    "123456",
		" 123456 ":   "123456",
		"1-2-3-4":    "1234",
		"no-dashes!": "nodashes!",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
