package infusion

import (
	"errors"
	"testing"
	"time"
)

func TestDosePresets(t *testing.T) {
	tests := []struct {
		defaultDose string
		want        []string
	}{
		{"", nil},
		{"50", []string{"50"}},
		{"25-35-50", []string{"25", "35", "50"}},
		{" 25 - 35 - 50 ", []string{"25", "35", "50"}},
		{"25--50", []string{"25", "50"}},
	}
	for _, tt := range tests {
		lane := &Swimlane{DefaultDose: tt.defaultDose}
		got := lane.DosePresets()
		if len(got) != len(tt.want) {
			t.Errorf("%q: got %v, want %v", tt.defaultDose, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%q: got %v, want %v", tt.defaultDose, got, tt.want)
				break
			}
		}
	}
}

func TestSwimlaneValidate(t *testing.T) {
	valid := &Swimlane{ID: "lane-1", RecordID: "rec-1", Label: "Propofol", Mode: ModeRate}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid lane rejected: %v", err)
	}

	bad := []*Swimlane{
		{RecordID: "rec-1", Label: "x", Mode: ModeRate},
		{ID: "lane-1", Label: "x", Mode: ModeRate},
		{ID: "lane-1", RecordID: "rec-1", Label: "  ", Mode: ModeRate},
		{ID: "lane-1", RecordID: "rec-1", Label: "x", Mode: Mode("drip")},
	}
	for i, lane := range bad {
		err := lane.Validate()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("lane %d: got %v, want ValidationError", i, err)
		}
	}
}

func TestTruncateMillis(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	in := time.Date(2026, 3, 14, 9, 30, 15, 123456789, loc)

	got := TruncateMillis(in)
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
	if got.Nanosecond() != 123000000 {
		t.Errorf("nanos = %d, want millisecond resolution", got.Nanosecond())
	}
	if !got.Equal(in.Truncate(time.Millisecond)) {
		t.Errorf("got %v, want %v", got, in.Truncate(time.Millisecond))
	}
}

func TestEventKindValid(t *testing.T) {
	if !KindStart.Valid() || !KindStop.Valid() {
		t.Error("known kinds must validate")
	}
	if EventKind("pause").Valid() {
		t.Error("unknown kind must not validate")
	}
}
