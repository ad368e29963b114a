package descriptor

import (
	"github.com/vmmcore/vmm/internal/backingstore"
	"github.com/vmmcore/vmm/internal/bitmap"
)

// New assembles a Descriptor from a validated Source, the page-aligned
// range the arena allocated for it, and its already-opened backing store.
// defaultMinLoad is substituted when the source specifies zero (spec §6
// "default min_load_elements used when a source specifies zero").
func New(src *Source, baseAddr uintptr, rangeBytes int64, pageSize int64, defaultMinLoad int64, backing *backingstore.Store) *Descriptor {
	minLoad := src.MinLoadElements
	if minLoad == 0 {
		minLoad = defaultMinLoad
	}
	if minLoad == 0 {
		minLoad = 1
	}

	installUnitBytes := ceilToPage(minLoad*src.ElementSize, pageSize)
	installUnitPages := installUnitBytes / pageSize
	if installUnitPages == 0 {
		installUnitPages = 1
	}

	headerPages := ceilToPage(src.HeaderBytes, pageSize) / pageSize

	nPages := ceilToPage(rangeBytes, pageSize) / pageSize

	d := &Descriptor{
		BaseAddr:         baseAddr,
		NElements:        src.NElements,
		ElementSize:      src.ElementSize,
		Dims:             append([]int64(nil), src.Dims...),
		ElementKind:      src.ElementKind,
		MinLoadElements:  minLoad,
		InstallUnitPages: installUnitPages,
		HeaderBytes:      src.HeaderBytes,
		HeaderPages:      headerPages,
		PopulateFn:       src.Populate,
		DestructorFn:     src.Destructor,
		UserData:         src.UserData,
		PageSize:         pageSize,
		RangeBytes:       rangeBytes,
		NPages:           nPages,
		Residency:        bitmap.New(int(nPages)),
		Dirty:            bitmap.New(int(nPages)),
		EverDirty:        bitmap.New(int(nPages)),
		LRUEpoch:         make([]uint64, (nPages+installUnitPages-1)/installUnitPages),
		Backing:          backing,
		state:            StateLive,
	}

	// Header pages are populated by the host at construction time and must
	// never be re-populated (spec §3 Object Descriptor "header_bytes").
	d.Residency.SetRange(0, int(headerPages))

	return d
}

func ceilToPage(n, pageSize int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}
