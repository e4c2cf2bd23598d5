package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/9triver/mutator/internal/pe/petest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestLoad_Success(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sample.map", []byte(" 0001:00000000 offset_test"))
	writeFile(t, dir, "sample.dll", petest.Image(true))
	writeFile(t, dir, "readme.txt", []byte("ignored"))

	in, status := Load(dir, Options{})
	require.Equal(t, StatusSuccess, status)
	require.NotNil(t, in)
	assert.Equal(t, " 0001:00000000 offset_test", in.MapText)
	assert.Equal(t, petest.Image(true), in.Binary)
	assert.Equal(t, filepath.Join(dir, "sample.dll"), in.BinPath)
}

func TestLoad_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.map")
	writeFile(t, dir, "file.map", []byte("x"))

	_, status := Load(file, Options{})
	assert.Equal(t, StatusInvalidFile, status)

	_, status = Load(filepath.Join(dir, "missing"), Options{})
	assert.Equal(t, StatusInvalidFile, status)
}

func TestLoad_MissingMap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sample.dll", petest.Image(true))

	_, status := Load(dir, Options{})
	assert.Equal(t, StatusMissingMap, status)
}

func TestLoad_EmptyMapCountsAsMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sample.map", nil)
	writeFile(t, dir, "sample.dll", petest.Image(true))

	_, status := Load(dir, Options{})
	assert.Equal(t, StatusMissingMap, status)
}

func TestLoad_MissingBin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sample.map", []byte("map"))

	_, status := Load(dir, Options{})
	assert.Equal(t, StatusMissingBin, status)
}

func TestLoad_InvalidBin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sample.map", []byte("map"))
	writeFile(t, dir, "sample.dll", []byte("definitely not a PE"))

	_, status := Load(dir, Options{})
	assert.Equal(t, StatusInvalidBin, status)

	in, status := Load(dir, Options{SkipValidation: true})
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte("definitely not a PE"), in.Binary)
}

func TestLoad_DuplicateCandidates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.map", []byte("map"))
	writeFile(t, dir, "b.map", []byte("map"))
	writeFile(t, dir, "a.dll", petest.Image(true))

	_, status := Load(dir, Options{})
	assert.Equal(t, StatusInvalidFile, status)
}

func TestLoad_CustomExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.map", []byte("map"))
	writeFile(t, dir, "a.SYS", petest.Image(false))

	_, status := Load(dir, Options{})
	assert.Equal(t, StatusMissingBin, status)

	_, status = Load(dir, Options{BinaryExtensions: []string{".exe", ".sys"}})
	assert.Equal(t, StatusSuccess, status)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "MISSING_MAP", StatusMissingMap.String())
	assert.Equal(t, "STATUS(9)", Status(9).String())
}
