package kcp

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestSessionEchoOverLoopbackUDP(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()

	go func() {
		sess, err := l.Accept()
		if err != nil {
			return
		}
		sess.SetNoDelay(1, 10, 2, 1)
		buf := make([]byte, 1024)
		for {
			n, err := sess.Read(buf)
			if err != nil {
				return
			}
			if _, err := sess.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	client, err := DialUDP(0xc0ffee, l.Addr().String())
	assert.NilError(t, err)
	defer client.Close()
	client.SetNoDelay(1, 10, 2, 1)

	assert.NilError(t, client.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Write([]byte("ping"))
	assert.NilError(t, err)

	assert.NilError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, err := client.Read(buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "ping")
}

func TestSessionReadDeadlineExpires(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()

	client, err := DialUDP(1, l.Addr().String())
	assert.NilError(t, err)
	defer client.Close()

	assert.NilError(t, client.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = client.Read(make([]byte, 16))
	assert.ErrorContains(t, err, "timeout")
}

func TestSessionCloseUnblocksPendingRead(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()

	client, err := DialUDP(1, l.Addr().String())
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 16))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NilError(t, client.Close())

	select {
	case err := <-done:
		assert.Assert(t, err != nil)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}
