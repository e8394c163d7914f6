package swap

import (
	"fmt"
	"os"
)

/// OpenFile creates (or truncates) the on-disk swap file at path,
/// sized to hold capacityBytes, and returns an Area backed by it.
// *os.File already satisfies Backing directly via WriteAt/ReadAt, so
// no adapter type is needed - mirroring swapfile_init's vfs_open of a
// single fixed-size backing file.
func OpenFile(path string, capacityBytes int) (*Area, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("swap: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(capacityBytes)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("swap: truncate %s: %w", path, err)
	}
	return Open(f, capacityBytes), f, nil
}
