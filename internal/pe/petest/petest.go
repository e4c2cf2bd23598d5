// Package petest builds synthetic PE images for tests.
package petest

import (
	"bytes"
	"encoding/binary"

	"github.com/Binject/debug/pe"
)

const (
	dosHeaderSize = 0x40
	magicPE32Plus = 0x20b
)

// Image returns a minimal PE32+ image with no sections. dll sets IMAGE_FILE_DLL.
func Image(dll bool) []byte {
	var buf bytes.Buffer

	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], dosHeaderSize)
	buf.Write(dos)
	buf.Write([]byte{'P', 'E', 0, 0})

	oh := pe.OptionalHeader64{
		Magic:               magicPE32Plus,
		ImageBase:           0x180000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x1000,
		SizeOfHeaders:       0x200,
		Subsystem:           2,
		NumberOfRvaAndSizes: 16,
	}
	characteristics := uint16(0x0022) // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	if dll {
		characteristics |= 0x2000
	}
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     0,
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      characteristics,
	}
	_ = binary.Write(&buf, binary.LittleEndian, fh)
	_ = binary.Write(&buf, binary.LittleEndian, oh)

	for buf.Len() < 0x200 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
