package launch

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrAddressSpaceExhausted = errors.New("address space exhausted")

const (
	DefaultBaseAddress uint64 = 0x10000000
	DefaultAlignment   uint64 = 0x10000
)

// Manifest describes a target address space offline: regions are handed out
// sequentially from BaseAddress and imports are looked up in a fixed table.
//
//	base_address: 0x140000000
//	alignment: 0x10000
//	imports:
//	  kernel32.dll:
//	    VirtualAlloc: 0x7ffb10001000
type Manifest struct {
	BaseAddress uint64                       `yaml:"base_address"`
	Alignment   uint64                       `yaml:"alignment"`
	Imports     map[string]map[string]uint64 `yaml:"imports"`

	mu   sync.Mutex
	next uint64
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.ApplyDefaults()
	if m.Alignment&(m.Alignment-1) != 0 {
		return nil, fmt.Errorf("manifest alignment %#x is not a power of two", m.Alignment)
	}
	return m, nil
}

func (m *Manifest) ApplyDefaults() {
	if m.BaseAddress == 0 {
		m.BaseAddress = DefaultBaseAddress
	}
	if m.Alignment == 0 {
		m.Alignment = DefaultAlignment
	}
	if m.Imports == nil {
		m.Imports = map[string]map[string]uint64{}
	}
	// 模块名大小写不敏感
	normalized := make(map[string]map[string]uint64, len(m.Imports))
	for module, fns := range m.Imports {
		key := strings.ToLower(module)
		if normalized[key] == nil {
			normalized[key] = map[string]uint64{}
		}
		for fn, addr := range fns {
			normalized[key][fn] = addr
		}
	}
	m.Imports = normalized
}

// Allocate returns the next aligned base and advances past size bytes.
func (m *Manifest) Allocate(size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 {
		return 0, errors.New("zero-sized region")
	}
	if m.next == 0 {
		first, ok := alignUp(m.BaseAddress, m.Alignment)
		if !ok {
			return 0, ErrAddressSpaceExhausted
		}
		m.next = first
	}
	base := m.next
	end := base + size
	if end < base {
		return 0, ErrAddressSpaceExhausted
	}
	next, ok := alignUp(end, m.Alignment)
	if !ok {
		return 0, ErrAddressSpaceExhausted
	}
	m.next = next
	return base, nil
}

// Reset starts allocating from BaseAddress again.
func (m *Manifest) Reset() {
	m.mu.Lock()
	m.next = 0
	m.mu.Unlock()
}

func (m *Manifest) Resolve(module, function string) (uint64, error) {
	addr, ok := m.Imports[strings.ToLower(module)][function]
	if !ok {
		return 0, fmt.Errorf("%w: %s!%s", ErrUnresolvedImport, module, function)
	}
	return addr, nil
}

// alignUp rounds v up to align; ok is false when the result does not fit in 64 bits.
func alignUp(v, align uint64) (uint64, bool) {
	if v > math.MaxUint64-(align-1) {
		return 0, false
	}
	return (v + align - 1) &^ (align - 1), true
}
