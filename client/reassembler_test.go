package client_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gramsey/redfoam/client"
)

func TestReassembler_SplitsConcatenatedDataOnIndexBoundaries(t *testing.T) {
	r := client.NewReassembler(0)

	r.PushData([]byte("helloworld!"))
	r.PushIndices([]uint64{5, 11})

	msg1, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, "hello", string(msg1))

	msg2, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, "world!", string(msg2))

	_, ok = r.Next()
	require.False(t, ok)
}

func TestReassembler_WaitsForEnoughDataBeforeEmitting(t *testing.T) {
	r := client.NewReassembler(100)
	r.PushIndices([]uint64{113})
	r.PushData([]byte("abc"))

	_, ok := r.Next()
	require.False(t, ok, "only 3 of 13 bytes have arrived")

	r.PushData([]byte("defghijklmn"))
	msg, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, "abcdefghijklmn"[:13], string(msg))
}

func TestReassembler_NonZeroFollowOffsetSeedsFirstBoundary(t *testing.T) {
	r := client.NewReassembler(50)
	r.PushData([]byte("xyz"))
	r.PushIndices([]uint64{53})

	msg, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, "xyz", string(msg))
}
