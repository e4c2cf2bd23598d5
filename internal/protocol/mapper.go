package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MapperData describes the memory layout and imports the caller must resolve.
type MapperData struct {
	ClientID uint32              `json:"client_id"`
	Sizes    []uint64            `json:"sizes"`
	Imports  map[string][]string `json:"imports"`
}

// Modules returns import module names in sorted order.
func (m *MapperData) Modules() []string {
	modules := make([]string, 0, len(m.Imports))
	for name := range m.Imports {
		modules = append(modules, name)
	}
	sort.Strings(modules)
	return modules
}

// ImportCount is the total number of imported functions across all modules.
func (m *MapperData) ImportCount() int {
	n := 0
	for _, fns := range m.Imports {
		n += len(fns)
	}
	return n
}

// IsObject reports whether raw holds a JSON object. null, arrays and scalars are not.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// DecodeMapperData parses the "data" object of a type 3 reply.
func DecodeMapperData(raw json.RawMessage) (*MapperData, error) {
	if !IsObject(raw) {
		return nil, fmt.Errorf("%w: mapper data is not an object", ErrMalformedFrame)
	}
	md := &MapperData{}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, fmt.Errorf("%w: mapper data: %v", ErrMalformedFrame, err)
	}
	if md.Imports == nil {
		md.Imports = map[string][]string{}
	}
	return md, nil
}

// LaunchInfo is what the caller sends back once memory is allocated and imports resolved.
// Map keys are serialized in sorted order, so equal values encode to equal bytes.
type LaunchInfo struct {
	ClientID uint32                       `json:"client_id"`
	Bases    []uint64                     `json:"bases"`
	Imports  map[string]map[string]uint64 `json:"imports"`
}
