//go:build !linux

package offline0

// filesystemFreeBytes is not implemented off Linux; quota is reported as unknown.
func filesystemFreeBytes(string) (uint64, bool) { return 0, false }
