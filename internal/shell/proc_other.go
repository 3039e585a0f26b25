//go:build !linux

package shell

func residentBytes() (uint64, bool) { return 0, false }
