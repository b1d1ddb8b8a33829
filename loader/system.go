package loader

import (
	"errors"
	"fmt"
	"io/fs"
)

// Finder locates module binaries by name.
type Finder interface {
	// Find returns the binary for name or an error wrapping ErrModuleNotFound.
	// A binary larger than limit bytes is rejected with ErrImageTooLarge before
	// it is read. limit <= 0 disables the check.
	Find(name string, limit int64) ([]byte, error)
}

// System is the enclosing loader shared by every instance. It searches a
// fixed list of locations in order and never instruments anything itself.
type System struct {
	locations []fs.FS
}

// NewSystem returns a System searching locations in the given order.
func NewSystem(locations ...fs.FS) *System {
	return &System{locations: append([]fs.FS(nil), locations...)}
}

// Find reads "<name>.wasm" from the first location that has it.
func (s *System) Find(name string, limit int64) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	b, ok, err := findIn(s.locations, moduleFile(name), limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return b, nil
}

// Locations returns the search list.
func (s *System) Locations() []fs.FS {
	return append([]fs.FS(nil), s.locations...)
}

func moduleFile(name string) string {
	return name + ".wasm"
}

func findIn(locations []fs.FS, file string, limit int64) ([]byte, bool, error) {
	if !fs.ValidPath(file) {
		return nil, false, fmt.Errorf("invalid path %q", file)
	}
	for _, loc := range locations {
		info, err := fs.Stat(loc, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("stat %s: %w", file, err)
		}
		if limit > 0 && info.Size() > limit {
			return nil, false, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrImageTooLarge, file, info.Size(), limit)
		}
		b, err := fs.ReadFile(loc, file)
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", file, err)
		}
		// The file may have grown between Stat and ReadFile.
		if limit > 0 && int64(len(b)) > limit {
			return nil, false, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrImageTooLarge, file, len(b), limit)
		}
		return b, true, nil
	}
	return nil, false, nil
}
