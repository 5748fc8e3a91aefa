// Package miscwriter performs bounds-checked writes of vendor flags into
// the vendor space region of the misc partition. The misc partition is a
// small raw block device shared between the OS, bootloader and recovery;
// the first 2 KiB hold the bootloader message block, and the 2 KiB that
// follow are reserved for vendor-defined flags.
package miscwriter

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Action identifies one discrete flag write or clear in vendor space.
type Action int

const (
	SetDarkThemeFlag Action = iota
	ClearDarkThemeFlag
	SetSotaFlag
	ClearSotaFlag
	SetEnablePkvmFlag
	SetDisablePkvmFlag
	SetWristOrientationFlag
	ClearWristOrientationFlag
	WriteTimeFormat
	WriteTimeOffset
	SetMaxRamSize
	ClearMaxRamSize
)

// Vendor space region within the misc partition.
const (
	VendorSpaceOffsetInMisc = 2048
	VendorSpaceSize         = 2048
)

// DefaultMiscPath is the misc partition block device on target hardware.
const DefaultMiscPath = "/dev/block/by-name/misc"

// Every flag owns a fixed-size slot so a clear can wipe the slot without
// knowing what was written there.
const SlotSize = 32

// Time offset is seconds east of UTC (tz_time - utc_time), bounded by
// the real timezone envelope UTC-12..UTC+14.
const (
	MinTimeOffset = -12 * 3600
	MaxTimeOffset = 14 * 3600
)

// Max RAM size limit in MB. RamSizeDefault clears the limit.
const (
	RamSizeDefault = -1
	RamSizeMin     = 2048
	RamSizeMax     = 65536
)

// Slot records are NUL-padded ASCII strings at fixed offsets within
// vendor space.
const (
	darkThemeFlag          = "theme-dark"
	sotaFlag               = "enable-sota"
	enablePkvmFlag         = "enable-pkvm"
	disablePkvmFlag        = "disable-pkvm"
	wristOrientationPrefix = "wrist-orientation="
	timeFormatPrefix       = "timeformat="
	timeOffsetPrefix       = "timeoffset="
	maxRamSizePrefix       = "max-ram-size="
)

// slotLayout is the configuration record for one action: where its slot
// sits in vendor space and what gets written there. A layout with clear
// set wipes the slot; a layout with payload set appends the writer's
// payload to content.
type slotLayout struct {
	name    string
	offset  uint64
	content string
	payload bool
	clear   bool
}

var layouts = map[Action]slotLayout{
	SetDarkThemeFlag:          {name: "dark-theme", offset: 0, content: darkThemeFlag},
	ClearDarkThemeFlag:        {name: "dark-theme", offset: 0, clear: true},
	SetSotaFlag:               {name: "sota", offset: 32, content: sotaFlag},
	ClearSotaFlag:             {name: "sota", offset: 32, clear: true},
	SetEnablePkvmFlag:         {name: "pkvm", offset: 64, content: enablePkvmFlag},
	SetDisablePkvmFlag:        {name: "pkvm", offset: 64, content: disablePkvmFlag},
	SetWristOrientationFlag:   {name: "wrist-orientation", offset: 96, content: wristOrientationPrefix, payload: true},
	ClearWristOrientationFlag: {name: "wrist-orientation", offset: 96, clear: true},
	WriteTimeFormat:           {name: "timeformat", offset: 128, content: timeFormatPrefix, payload: true},
	WriteTimeOffset:           {name: "timeoffset", offset: 160, content: timeOffsetPrefix, payload: true},
	SetMaxRamSize:             {name: "max-ram-size", offset: 192, content: maxRamSizePrefix, payload: true},
	ClearMaxRamSize:           {name: "max-ram-size", offset: 192, clear: true},
}

// MiscWriter performs a single write of one action's slot record into
// vendor space. The action and payload are bound at construction and
// immutable afterwards.
type MiscWriter struct {
	action  Action
	payload string
	path    string
}

// New returns a writer for an action that carries no payload.
func New(action Action) *MiscWriter {
	return NewWithPayload(action, "")
}

// NewWithPayload returns a writer for an action whose slot record embeds
// a caller-supplied payload (already validated by the caller).
func NewWithPayload(action Action, payload string) *MiscWriter {
	return &MiscWriter{action: action, payload: payload, path: DefaultMiscPath}
}

// SetMiscPath points the writer at a different misc partition device or
// image file. Used by tests and non-standard partition layouts.
func (w *MiscWriter) SetMiscPath(path string) {
	w.path = path
}

// Action returns the bound action.
func (w *MiscWriter) Action() Action {
	return w.action
}

// Payload returns the bound payload, empty for no-payload actions.
func (w *MiscWriter) Payload() string {
	return w.payload
}

// PerformAction resolves the effective slot offset (overrideOffset wins
// over the action's default), renders the full slot image and writes it
// into vendor space in one write. It returns nil only once the write has
// been synced to the device.
func (w *MiscWriter) PerformAction(overrideOffset *uint64) error {
	layout, ok := layouts[w.action]
	if !ok {
		return errors.Errorf("unknown misc writer action %d", w.action)
	}

	offset := layout.offset
	if overrideOffset != nil {
		offset = *overrideOffset
	}
	// Compare without adding to the offset: a huge override must not
	// wrap around and land back inside the bounds.
	if offset > VendorSpaceSize-SlotSize {
		return errors.Errorf("slot at offset %d exceeds vendor space (%d bytes)", offset, VendorSpaceSize)
	}

	slot := make([]byte, SlotSize)
	if !layout.clear {
		content := layout.content
		if layout.payload {
			content += w.payload
		}
		// Keep at least one NUL terminator so readers can treat the
		// slot as a C string.
		if len(content) >= SlotSize {
			return errors.Errorf("record %q does not fit in a %d byte slot", content, SlotSize)
		}
		copy(slot, content)
	}

	return writeVendorSpace(w.path, offset, slot)
}

// writeVendorSpace writes data at the given offset within vendor space
// and syncs the device. The write is a single WriteAt so a slot is never
// left half-updated.
func writeVendorSpace(path string, offset uint64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "opening misc partition")
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(VendorSpaceOffsetInMisc+offset))
	if err != nil {
		return errors.Wrapf(err, "writing %d bytes at vendor space offset %d", len(data), offset)
	}
	if n != len(data) {
		return errors.Errorf("short write at vendor space offset %d: %d of %d bytes", offset, n, len(data))
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "syncing misc partition")
	}
	return nil
}

// SlotValue is the decoded state of one vendor space slot.
type SlotValue struct {
	Name   string
	Offset uint64
	Value  string // NUL-trimmed record, empty when the slot is clear
}

// ReadSlots reads vendor space and decodes every known slot. Slots are
// returned in offset order.
func ReadSlots(path string) ([]SlotValue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening misc partition")
	}
	defer f.Close()

	space := make([]byte, VendorSpaceSize)
	if _, err := f.ReadAt(space, VendorSpaceOffsetInMisc); err != nil {
		return nil, errors.Wrap(err, "reading vendor space")
	}

	seen := make(map[uint64]bool)
	var slots []SlotValue
	for _, layout := range layouts {
		if seen[layout.offset] {
			continue
		}
		seen[layout.offset] = true
		raw := space[layout.offset : layout.offset+SlotSize]
		slots = append(slots, SlotValue{
			Name:   layout.name,
			Offset: layout.offset,
			Value:  strings.TrimRight(string(raw), "\x00"),
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Offset < slots[j].Offset })
	return slots, nil
}
