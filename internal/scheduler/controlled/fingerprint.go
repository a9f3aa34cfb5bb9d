package controlled

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/latticefsm/latticefsm/internal/monitor"
)

// Fingerprint is the content hash over (per-machine cached state, next
// scheduled operation kind) for all live machines plus per-monitor cached
// state, as spec.md §3 defines it.
type Fingerprint uint64

// fpEntry is one machine or monitor's contribution to a Fingerprint.
type fpEntry struct {
	id     string
	detail string
}

func computeFingerprint(entries []fpEntry) Fingerprint {
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	h := fnv.New64a()
	for _, e := range entries {
		h.Write([]byte(e.id))
		h.Write([]byte{0})
		h.Write([]byte(e.detail))
		h.Write([]byte{0})
	}
	return Fingerprint(h.Sum64())
}

// cycleRecord is one entry in the bounded fingerprint history the
// controller keeps for cycle-based liveness detection (spec.md §4.5).
type cycleRecord struct {
	fp          Fingerprint
	enabledHash uint64
	anyHot      bool
}

// cycleDetector tracks a bounded window of recent (fingerprint, enabled
// set) pairs and flags a liveness bug when a fingerprint repeats with an
// identical enabled set while a monitor stays hot across the repeat.
type cycleDetector struct {
	window  []cycleRecord
	maxSize int
}

func newCycleDetector(maxSize int) *cycleDetector {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &cycleDetector{maxSize: maxSize}
}

// observe records a new (fingerprint, enabled-set) pair and reports
// whether it closes a liveness-violating cycle: a prior occurrence of the
// same (fingerprint, enabled set) where a monitor was hot at both ends and
// at every observation in between (an observation with no hot monitor
// means the obligation was discharged, so earlier occurrences no longer
// count).
func (c *cycleDetector) observe(fp Fingerprint, enabledHash uint64, anyHot bool) bool {
	bug := false
	for i := len(c.window) - 1; anyHot && i >= 0; i-- {
		prev := c.window[i]
		if !prev.anyHot {
			break
		}
		if prev.fp == fp && prev.enabledHash == enabledHash {
			bug = true
			break
		}
	}
	c.window = append(c.window, cycleRecord{fp: fp, enabledHash: enabledHash, anyHot: anyHot})
	if len(c.window) > c.maxSize {
		c.window = c.window[1:]
	}
	return bug
}

// monitorFPEntries builds fpEntry values for every registered monitor.
func monitorFPEntries(mons []*monitor.Monitor) []fpEntry {
	out := make([]fpEntry, 0, len(mons))
	for _, m := range mons {
		out = append(out, fpEntry{
			id:     "monitor:" + m.TypeName(),
			detail: fmt.Sprintf("%s/%s", m.CurrentState(), m.CurrentTemperature()),
		})
	}
	return out
}
