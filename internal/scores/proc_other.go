//go:build !linux

package scores

func processRSSBytes() (uint64, bool) { return 0, false }

func processAnonBytes() (uint64, bool) { return 0, false }
