// Package pe inspects Windows images without loading them.
package pe

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Binject/debug/pe"
)

// IMAGE_FILE_DLL
const characteristicDLL = 0x2000

var ErrNotPE = errors.New("pe: not a valid PE image")

// Info is a summary of one image.
type Info struct {
	Machine   uint16
	Is64      bool
	IsDLL     bool
	Sections  []string
	ImageSize uint64
	// Imports maps a lower-cased module name to the imported function names.
	Imports map[string][]string
}

// Inspect parses data as a PE image.
func Inspect(data []byte) (*Info, error) {
	if len(data) < 2 || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrNotPE)
	}
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	defer f.Close()

	info := &Info{
		Machine: f.FileHeader.Machine,
		IsDLL:   f.FileHeader.Characteristics&characteristicDLL != 0,
		Imports: map[string][]string{},
	}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		info.Is64 = true
		info.ImageSize = uint64(oh.SizeOfImage)
	case *pe.OptionalHeader32:
		info.ImageSize = uint64(oh.SizeOfImage)
	}
	for _, s := range f.Sections {
		info.Sections = append(info.Sections, s.Name)
	}

	// 导入表解析失败不视为非法镜像，只是没有导入信息
	symbols, err := f.ImportedSymbols()
	if err == nil {
		for _, sym := range symbols {
			fn, module, ok := strings.Cut(sym, ":")
			if !ok {
				continue
			}
			module = strings.ToLower(module)
			info.Imports[module] = append(info.Imports[module], fn)
		}
		for module := range info.Imports {
			sort.Strings(info.Imports[module])
		}
	}
	return info, nil
}

// Validate reports whether data is an image the service can accept.
func Validate(data []byte) error {
	_, err := Inspect(data)
	return err
}
