package miscwriter

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newMiscImage creates a zeroed misc partition image large enough to
// hold the bootloader message block plus the vendor space.
func newMiscImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "misc.img")
	if err := os.WriteFile(path, make([]byte, VendorSpaceOffsetInMisc+VendorSpaceSize), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// readSlot returns the raw slot bytes at the given vendor space offset.
func readSlot(t *testing.T, path string, offset uint64) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	start := uint64(VendorSpaceOffsetInMisc) + offset
	return data[start : start+SlotSize]
}

func TestPerformActionWritesRecords(t *testing.T) {
	tests := []struct {
		action  Action
		payload string
		offset  uint64
		record  string
	}{
		{SetDarkThemeFlag, "", 0, "theme-dark"},
		{SetSotaFlag, "", 32, "enable-sota"},
		{SetEnablePkvmFlag, "", 64, "enable-pkvm"},
		{SetDisablePkvmFlag, "", 64, "disable-pkvm"},
		{SetWristOrientationFlag, "2", 96, "wrist-orientation=2"},
		{WriteTimeFormat, "1", 128, "timeformat=1"},
		{WriteTimeOffset, "-3600", 160, "timeoffset=-3600"},
		{SetMaxRamSize, "4096", 192, "max-ram-size=4096"},
	}
	for _, test := range tests {
		path := newMiscImage(t)
		w := NewWithPayload(test.action, test.payload)
		w.SetMiscPath(path)
		if err := w.PerformAction(nil); err != nil {
			t.Fatalf("action %d: %v", test.action, err)
		}
		slot := readSlot(t, path, test.offset)
		if got := string(slot[:len(test.record)]); got != test.record {
			t.Errorf("action %d: wrote %q, want %q", test.action, got, test.record)
		}
		// The remainder of the slot must be NUL padding.
		if rest := slot[len(test.record):]; !bytes.Equal(rest, make([]byte, len(rest))) {
			t.Errorf("action %d: slot not NUL padded: %q", test.action, rest)
		}
	}
}

func TestClearWipesSlot(t *testing.T) {
	tests := []struct {
		set, clear Action
		payload    string
		offset     uint64
	}{
		{SetDarkThemeFlag, ClearDarkThemeFlag, "", 0},
		{SetSotaFlag, ClearSotaFlag, "", 32},
		{SetWristOrientationFlag, ClearWristOrientationFlag, "3", 96},
		{SetMaxRamSize, ClearMaxRamSize, "65536", 192},
	}
	for _, test := range tests {
		path := newMiscImage(t)
		w := NewWithPayload(test.set, test.payload)
		w.SetMiscPath(path)
		if err := w.PerformAction(nil); err != nil {
			t.Fatal(err)
		}
		c := New(test.clear)
		c.SetMiscPath(path)
		if err := c.PerformAction(nil); err != nil {
			t.Fatal(err)
		}
		if slot := readSlot(t, path, test.offset); !bytes.Equal(slot, make([]byte, SlotSize)) {
			t.Errorf("clear %d left slot bytes: %q", test.clear, slot)
		}
	}
}

func TestOverrideOffset(t *testing.T) {
	path := newMiscImage(t)
	w := New(SetDarkThemeFlag)
	w.SetMiscPath(path)
	override := uint64(100)
	if err := w.PerformAction(&override); err != nil {
		t.Fatal(err)
	}
	slot := readSlot(t, path, 100)
	if got := string(slot[:len("theme-dark")]); got != "theme-dark" {
		t.Errorf("wrote %q at override offset, want %q", got, "theme-dark")
	}
	// The default slot must be untouched.
	if slot := readSlot(t, path, 0); !bytes.Equal(slot, make([]byte, SlotSize)) {
		t.Errorf("default slot written despite override: %q", slot)
	}
}

func TestOverrideOffsetOutOfRange(t *testing.T) {
	path := newMiscImage(t)
	w := New(SetDarkThemeFlag)
	w.SetMiscPath(path)
	overrides := []uint64{
		VendorSpaceSize,
		VendorSpaceSize - SlotSize + 1,
		1 << 40,
		// Offsets where offset+SlotSize wraps around uint64.
		math.MaxUint64 - SlotSize + 1,
		math.MaxUint64,
	}
	for _, override := range overrides {
		o := override
		if err := w.PerformAction(&o); err == nil {
			t.Errorf("override %d: expected out of range error", override)
		}
	}
	// A rejected offset must leave the image untouched; a wrapped
	// offset would otherwise land inside the bootloader block.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, make([]byte, len(data))) {
		t.Error("rejected override wrote to the image")
	}
	// Last slot that still fits.
	o := uint64(VendorSpaceSize - SlotSize)
	if err := w.PerformAction(&o); err != nil {
		t.Errorf("override %d: %v", o, err)
	}
}

func TestMissingPartition(t *testing.T) {
	w := New(SetDarkThemeFlag)
	w.SetMiscPath(filepath.Join(t.TempDir(), "no-such-misc"))
	if err := w.PerformAction(nil); err == nil {
		t.Error("expected error for missing partition")
	}
}

func TestOversizedPayload(t *testing.T) {
	path := newMiscImage(t)
	w := NewWithPayload(SetMaxRamSize, strings.Repeat("9", SlotSize))
	w.SetMiscPath(path)
	if err := w.PerformAction(nil); err == nil {
		t.Error("expected error for record larger than the slot")
	}
	// Nothing may have been written.
	if slot := readSlot(t, path, 192); !bytes.Equal(slot, make([]byte, SlotSize)) {
		t.Errorf("oversized record partially written: %q", slot)
	}
}

func TestReadSlots(t *testing.T) {
	path := newMiscImage(t)
	for _, w := range []*MiscWriter{
		NewWithPayload(SetWristOrientationFlag, "1"),
		New(SetSotaFlag),
	} {
		w.SetMiscPath(path)
		if err := w.PerformAction(nil); err != nil {
			t.Fatal(err)
		}
	}

	slots, err := ReadSlots(path)
	if err != nil {
		t.Fatal(err)
	}
	// One entry per distinct slot, in offset order.
	if len(slots) != 7 {
		t.Fatalf("got %d slots, want 7", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if slots[i].Offset <= slots[i-1].Offset {
			t.Fatal("slots not in offset order")
		}
	}

	values := make(map[string]string)
	for _, slot := range slots {
		values[slot.Name] = slot.Value
	}
	if values["wrist-orientation"] != "wrist-orientation=1" {
		t.Errorf("wrist-orientation slot: %q", values["wrist-orientation"])
	}
	if values["sota"] != "enable-sota" {
		t.Errorf("sota slot: %q", values["sota"])
	}
	if values["dark-theme"] != "" {
		t.Errorf("dark-theme slot should be clear, got %q", values["dark-theme"])
	}
}
