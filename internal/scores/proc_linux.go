//go:build linux

package scores

import "github.com/prometheus/procfs"

// processRSSBytes returns the resident set size. ok is false when /proc is
// unavailable.
func processRSSBytes() (uint64, bool) {
	p, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	st, err := p.Stat()
	if err != nil {
		return 0, false
	}
	return uint64(st.ResidentMemory()), true
}

// processAnonBytes returns the anonymous share of RSS, which separates heap
// growth from leveldb's file-backed pages.
func processAnonBytes() (uint64, bool) {
	p, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	r, err := p.ProcSMapsRollup()
	if err != nil {
		return 0, false
	}
	return r.Anonymous, true
}
