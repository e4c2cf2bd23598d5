package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Bytes is a byte sequence encoded as a JSON array of numbers.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	out = append(out, ']')
	return out, nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("bytes: invalid base64: %w", err)
		}
		*b = raw
		return nil
	}

	var values []uint16
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("bytes: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v > 0xff {
			return fmt.Errorf("bytes: element %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
