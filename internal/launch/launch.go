// Package launch turns mapper data into the LaunchInfo sent with Proceed.
package launch

import (
	"errors"
	"fmt"

	"github.com/9triver/mutator/internal/protocol"
)

var ErrUnresolvedImport = errors.New("launch: unresolved import")

// Allocator reserves one memory region of the given size in the target.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

// Resolver returns the address of an imported function in the target.
type Resolver interface {
	Resolve(module, function string) (uint64, error)
}

// Build allocates one base per region and resolves every import. Regions are
// allocated in the order the server listed them and modules in sorted order,
// so equal inputs always produce equal LaunchInfo values.
func Build(md *protocol.MapperData, alloc Allocator, res Resolver) (*protocol.LaunchInfo, error) {
	if md == nil {
		return nil, errors.New("launch: nil mapper data")
	}

	info := &protocol.LaunchInfo{
		ClientID: md.ClientID,
		Bases:    make([]uint64, 0, len(md.Sizes)),
		Imports:  make(map[string]map[string]uint64, len(md.Imports)),
	}

	for i, size := range md.Sizes {
		base, err := alloc.Allocate(size)
		if err != nil {
			return nil, fmt.Errorf("launch: allocate region %d (%d bytes): %w", i, size, err)
		}
		info.Bases = append(info.Bases, base)
	}

	var missing []string
	for _, module := range md.Modules() {
		resolved := make(map[string]uint64, len(md.Imports[module]))
		for _, fn := range md.Imports[module] {
			addr, err := res.Resolve(module, fn)
			if err != nil {
				if errors.Is(err, ErrUnresolvedImport) {
					missing = append(missing, module+"!"+fn)
					continue
				}
				return nil, err
			}
			resolved[fn] = addr
		}
		info.Imports[module] = resolved
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedImport, missing)
	}
	return info, nil
}
