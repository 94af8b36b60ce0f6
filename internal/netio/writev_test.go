package netio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritevConcatenatesBuffers(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	n, err := Writev(int(w.Fd()), [][]byte{[]byte("foo"), []byte("bar")})
	require.NoError(t, err)
	require.Equal(t, 6, n)

	buf := make([]byte, 6)
	rn, err := Read(int(r.Fd()), buf)
	require.NoError(t, err)
	require.Equal(t, 6, rn)
	require.Equal(t, "foobar", string(buf))
}

func TestWritevEmpty(t *testing.T) {
	n, err := Writev(0, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWriteRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	n, err := Write(int(w.Fd()), []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 4)
	rn, err := Read(int(r.Fd()), buf)
	require.NoError(t, err)
	require.Equal(t, 4, rn)
	require.Equal(t, "ping", string(buf))
}
