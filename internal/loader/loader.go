// Package loader reads the map/binary pair a mutation run is built from.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/9triver/mutator/internal/pe"
	"github.com/sirupsen/logrus"
)

// Status mirrors the server's status codes for the locally detectable failures.
type Status int

const (
	StatusSuccess Status = iota
	StatusInvalidFile
	StatusMissingMap
	StatusMissingBin
	StatusInvalidBin
)

// StatusUnknown is reported when no status could be obtained.
const StatusUnknown Status = -1

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidFile:
		return "INVALID_FILE"
	case StatusMissingMap:
		return "MISSING_MAP"
	case StatusMissingBin:
		return "MISSING_BIN"
	case StatusInvalidBin:
		return "INVALID_BIN"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

const MapExtension = ".map"

// DefaultBinaryExtensions matches the sample layout (one .dll next to its .map).
var DefaultBinaryExtensions = []string{".dll"}

// Inputs is the loaded map text and binary.
type Inputs struct {
	Directory string
	MapPath   string
	BinPath   string
	MapText   string
	Binary    []byte
}

// Options tune the directory scan.
type Options struct {
	BinaryExtensions []string
	// SkipValidation disables the local PE check (INVALID_BIN).
	SkipValidation bool
}

// Load scans dir for exactly one map file and one binary. Inputs is nil unless the
// returned status is StatusSuccess.
func Load(dir string, opts Options) (*Inputs, Status) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		logrus.Debugf("input path %s is not a directory", dir)
		return nil, StatusInvalidFile
	}

	exts := opts.BinaryExtensions
	if len(exts) == 0 {
		exts = DefaultBinaryExtensions
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logrus.Warnf("Failed to read input directory %s: %v", dir, err)
		return nil, StatusInvalidFile
	}

	in := &Inputs{Directory: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		path := filepath.Join(dir, entry.Name())
		switch {
		case ext == MapExtension:
			if in.MapPath != "" {
				logrus.Warnf("More than one map file in %s", dir)
				return nil, StatusInvalidFile
			}
			in.MapPath = path
		case hasExtension(exts, ext):
			if in.BinPath != "" {
				logrus.Warnf("More than one binary in %s", dir)
				return nil, StatusInvalidFile
			}
			in.BinPath = path
		}
	}

	if in.MapPath != "" {
		data, err := os.ReadFile(in.MapPath)
		if err != nil {
			return nil, StatusInvalidFile
		}
		in.MapText = string(data)
	}
	if in.MapText == "" {
		return nil, StatusMissingMap
	}

	if in.BinPath != "" {
		data, err := os.ReadFile(in.BinPath)
		if err != nil {
			return nil, StatusInvalidFile
		}
		in.Binary = data
	}
	if len(in.Binary) == 0 {
		return nil, StatusMissingBin
	}

	if !opts.SkipValidation {
		if err := pe.Validate(in.Binary); err != nil {
			logrus.Warnf("Binary %s rejected: %v", in.BinPath, err)
			return nil, StatusInvalidBin
		}
	}

	logrus.Infof("Loaded inputs from %s: map=%s (%d bytes), binary=%s (%d bytes)",
		dir, filepath.Base(in.MapPath), len(in.MapText), filepath.Base(in.BinPath), len(in.Binary))
	return in, StatusSuccess
}

func hasExtension(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
