package cruncher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func TestPath(t *testing.T) {
	tfs := newTracefs("/sys/kernel/tracing", newFakeTracefs(), nil)

	assert.Equal(t, "/sys/kernel/tracing/events/sched/sched_process_fork/enable",
		tfs.Path("", "events/sched/sched_process_fork/enable"))
	assert.Equal(t, "/sys/kernel/tracing/instances/foo/events/sched/sched_process_fork/enable",
		tfs.Path("foo", "events/sched/sched_process_fork/enable"))
}

func TestReadWrite(t *testing.T) {
	tfs, fake := newTestEngine(t)

	data, err := tfs.ReadFile("", "events/sched/sched_process_fork/id")
	require.Nil(t, err)
	assert.Equal(t, "267\n", string(data))

	err = tfs.WriteFile("", "events/sched/sched_process_fork/enable", "1")
	require.Nil(t, err)
	assert.Equal(t, "1", fake.files[fake.abs("events/sched/sched_process_fork/enable")])

	_, err = tfs.ReadFile("", "events/sched/nope/id")
	assert.ErrorIs(t, err, ErrNotFound)
	err = tfs.WriteFile("", "events/sched/nope/enable", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteRetriesTransientErrors(t *testing.T) {
	tfs, fake := newTestEngine(t)
	path := fake.abs("events/sched/sched_process_fork/enable")

	// two transient failures, then success
	fake.writeErrs[path] = []error{unix.EAGAIN, unix.EINTR}
	err := tfs.WriteFile("", "events/sched/sched_process_fork/enable", "1")
	require.Nil(t, err)
	assert.Equal(t, "1", fake.files[path])

	// more transient failures than attempts
	fake.writeErrs[path] = []error{unix.EBUSY, unix.EBUSY, unix.EBUSY}
	err = tfs.WriteFile("", "events/sched/sched_process_fork/enable", "1")
	assert.NotNil(t, err)

	// permission failures are surfaced immediately, not retried
	fake.writeErrs[path] = []error{fs.ErrPermission, nil}
	err = tfs.WriteFile("", "events/sched/sched_process_fork/enable", "1")
	assert.ErrorIs(t, err, ErrPermission)
	assert.Len(t, fake.writeErrs[path], 1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in       error
		expected error
	}{
		{fs.ErrNotExist, ErrNotFound},
		{fs.ErrPermission, ErrPermission},
		{unix.EBUSY, unix.EBUSY},
	}

	for _, test := range tests {
		err := classify("write", "/some/file", test.in)
		assert.ErrorIs(t, err, test.expected)
		assert.Contains(t, err.Error(), "/some/file")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	tfs, fake := newTestEngine(t)

	in, err := tfs.CreateInstance("obs0")
	require.Nil(t, err)
	assert.True(t, in.Attached())
	assert.Equal(t, fake.abs("instances/obs0"), in.Dir())

	// the kernel mirrors the events tree into the new instance
	_, err = tfs.ReadFile("obs0", "events/sched/sched_process_fork/id")
	require.Nil(t, err)

	_, err = tfs.CreateInstance("obs0")
	assert.ErrorIs(t, err, ErrDuplicateResource)

	found, err := tfs.FindInstance("obs0")
	require.Nil(t, err)
	assert.False(t, found.Attached())

	// borrowed instances cannot be removed
	err = tfs.RemoveInstance(found)
	assert.ErrorIs(t, err, ErrPermission)

	require.Nil(t, tfs.RemoveInstance(in))
	assert.False(t, in.Attached())
	_, err = tfs.FindInstance("obs0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceNames(t *testing.T) {
	tfs, _ := newTestEngine(t)

	for _, name := range []string{"", "a/b", "a b"} {
		_, err := tfs.CreateInstance(name)
		assert.ErrorIs(t, err, ErrInvalidSyntax, name)
	}
}

func TestOsFilesRoundTrip(t *testing.T) {
	// The OS-backed provider against a real directory: kernel semantics
	// like instance mirroring do not apply, but open/lock/write/close and
	// error classification do.
	root := t.TempDir()
	tfs := NewTracefsAt(root, zaptest.NewLogger(t))

	dir := filepath.Join(root, "events", "sched", "sched_process_fork")
	require.Nil(t, os.MkdirAll(dir, 0o750))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "enable"), []byte("0"), 0o640))

	require.Nil(t, tfs.WriteFile("", "events/sched/sched_process_fork/enable", "1"))
	data, err := tfs.ReadFile("", "events/sched/sched_process_fork/enable")
	require.Nil(t, err)
	assert.Equal(t, "1", string(data))

	require.Nil(t, tfs.AppendFile("", "events/sched/sched_process_fork/enable", "0"))
	data, err = tfs.ReadFile("", "events/sched/sched_process_fork/enable")
	require.Nil(t, err)
	assert.Equal(t, "10", string(data))

	_, err = tfs.ReadFile("", "events/sched/sched_process_fork/format")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
}
