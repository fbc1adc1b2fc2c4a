package symbolindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindOccurrence(t *testing.T) {
	index := []byte("unrelated.o/\x00vmlinux/fs/exec.o/\x00other.o/\x00fs/exec.o/\x00")

	off, total, err := FindOccurrence(index, "fs/exec", 1)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 21, off)

	off2, _, err := FindOccurrence(index, "fs/exec", 2)
	require.NoError(t, err)
	require.Greater(t, off2, off)

	_, _, err = FindOccurrence(index, "fs/exec", 3)
	require.Error(t, err)

	_, _, err = FindOccurrence(index, "missing", 1)
	require.Error(t, err)
}

func TestRank(t *testing.T) {
	addrs := []uint64{0x1000, 0x2000, 0x3000}

	require.Equal(t, 1, Rank(addrs, 0x500))
	require.Equal(t, 2, Rank(addrs, 0x1500))
	require.Equal(t, 4, Rank(addrs, 0x9000))
}
