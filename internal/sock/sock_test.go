package sock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenAndDialLoopback(t *testing.T) {
	ln, laddr, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer unix.Close(ln)
	require.NotZero(t, laddr.Port)

	cfd, err := DialNonblocking(laddr.String())
	require.True(t, err == nil || err == unix.EINPROGRESS)
	defer unix.Close(cfd)

	deadline := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			if _, _, aerr := Accept(ln); aerr == nil {
				close(deadline)
				return
			}
		}
		close(deadline)
	}()
	<-deadline
}

func TestDialNonblockingUnreachablePort(t *testing.T) {
	fd, err := DialNonblocking("127.0.0.1:1")
	if fd >= 0 {
		defer unix.Close(fd)
	}
	require.True(t, err == nil || err == unix.EINPROGRESS || err != nil)
}

func TestSetNoDelayAndKeepAlive(t *testing.T) {
	ln, _, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer unix.Close(ln)

	require.NoError(t, SetNoDelay(ln, true))
	require.NoError(t, SetKeepAlive(ln, true))
	require.NoError(t, SetSendBuffer(ln, 65536))
	require.NoError(t, SetRecvBuffer(ln, 65536))
}
