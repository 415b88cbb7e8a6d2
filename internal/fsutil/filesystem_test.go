package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fsys := OSFileSystem{}

	if !fsys.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fsys.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_AppendAndReadDir(t *testing.T) {
	dir := t.TempDir()
	fsys := OSFileSystem{}
	name := filepath.Join(dir, "log.txt")

	require.NoError(t, fsys.AppendFile(name, []byte("a\n"), 0644))
	require.NoError(t, fsys.AppendFile(name, []byte("b\n"), 0644))

	data, err := fsys.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))

	require.NoError(t, fsys.MkdirAll(filepath.Join(dir, "sub"), 0755))
	names, err := fsys.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"log.txt"}, names, "directories are not listed")
}

func TestAtomicWriteFile_OS(t *testing.T) {
	dir := t.TempDir()
	fsys := OSFileSystem{}
	name := filepath.Join(dir, "summary.txt")

	require.NoError(t, os.WriteFile(name, []byte("old"), 0644))
	require.NoError(t, AtomicWriteFile(fsys, name, []byte("new content"), 0644))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))

	// no temp files left behind
	names, err := fsys.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary.txt"}, names)
}

func TestAtomicWriteFile_MissingDir(t *testing.T) {
	fsys := OSFileSystem{}
	err := AtomicWriteFile(fsys, filepath.Join(t.TempDir(), "missing", "x.txt"), []byte("x"), 0644)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestTempName(t *testing.T) {
	a := TempName("/run/summary.txt")
	b := TempName("/run/summary.txt")

	assert.NotEqual(t, a, b)
	assert.Equal(t, "/run", filepath.Dir(a))
	assert.True(t, strings.HasPrefix(filepath.Base(a), ".summary.txt.tmp-"))
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	require.NoError(t, mfs.WriteFile("test.txt", []byte("hello, world"), 0644))
	data, err := mfs.ReadFile("test.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(data))

	// returned slice is a copy
	data[0] = 'H'
	again, _ := mfs.ReadFile("test.txt")
	assert.Equal(t, "hello, world", string(again))
}

func TestMemoryFileSystem_RequiresParentDir(t *testing.T) {
	mfs := NewMemoryFileSystem()

	err := mfs.WriteFile("/run/train_log/x.txt", []byte("x"), 0644)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, mfs.MkdirAll("/run/train_log", 0755))
	require.NoError(t, mfs.WriteFile("/run/train_log/x.txt", []byte("x"), 0644))
	assert.True(t, mfs.Exists("/run"))
}

func TestMemoryFileSystem_Rename(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/run", 0755))
	require.NoError(t, mfs.WriteFile("/run/a", []byte("A"), 0644))
	require.NoError(t, mfs.WriteFile("/run/b", []byte("B"), 0644))

	require.NoError(t, mfs.Rename("/run/a", "/run/b"))
	assert.False(t, mfs.Exists("/run/a"))
	data, err := mfs.ReadFile("/run/b")
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))

	err = mfs.Rename("/run/missing", "/run/b")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMemoryFileSystem_AppendRemove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.AppendFile("log.txt", []byte("one\n"), 0644))
	require.NoError(t, mfs.AppendFile("log.txt", []byte("two\n"), 0644))

	data, err := mfs.ReadFile("log.txt")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	require.NoError(t, mfs.Remove("log.txt"))
	assert.False(t, mfs.Exists("log.txt"))
	assert.ErrorIs(t, mfs.Remove("log.txt"), fs.ErrNotExist)
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/run/saved_models", 0755))
	for _, n := range []string{"model_epoch_2_file_1.ckpt", "model_epoch_1_file_3.ckpt"} {
		require.NoError(t, mfs.WriteFile("/run/saved_models/"+n, nil, 0644))
	}
	require.NoError(t, mfs.WriteFile("/run/summary.txt", nil, 0644))

	names, err := mfs.ReadDir("/run/saved_models")
	require.NoError(t, err)
	assert.Equal(t, []string{"model_epoch_1_file_3.ckpt", "model_epoch_2_file_1.ckpt"}, names)

	_, err = mfs.ReadDir("/nope")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestAtomicWriteFile_Memory(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/run", 0755))
	require.NoError(t, AtomicWriteFile(mfs, "/run/summary.txt", []byte("v1"), 0644))
	require.NoError(t, AtomicWriteFile(mfs, "/run/summary.txt", []byte("v2"), 0644))

	data, err := mfs.ReadFile("/run/summary.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	names, _ := mfs.ReadDir("/run")
	assert.Equal(t, []string{"summary.txt"}, names)
}
