package ipc

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewCommandWriter(pw)
	r := NewCommandReader(pr)
	defer r.Close()

	sent := &Command{
		Type:      CommandExecute,
		CommandID: "abc123",
		Payload:   Payload{Code: `display "hello"`, Timeout: 30},
	}
	go func() {
		require.NoError(t, w.Send(sent))
	}()

	got, err := r.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, CommandExecute, got.Type)
	assert.Equal(t, "abc123", got.CommandID)
	assert.Equal(t, `display "hello"`, got.Payload.Code)
	assert.False(t, got.Timestamp.IsZero(), "Send should stamp the command")
}

func TestResultFIFOOrder(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewResultWriter(pw)
	r := NewResultReader(pr)
	defer r.Close()

	go func() {
		for _, id := range []string{"one", "two", "three"} {
			require.NoError(t, w.Send(&Result{CommandID: id, Status: StatusSuccess}))
		}
	}()

	for _, want := range []string{"one", "two", "three"} {
		got, err := r.Recv(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got.CommandID)
	}
}

func TestRecvTimeout(t *testing.T) {
	pr, _ := io.Pipe()
	r := NewCommandReader(pr)
	defer r.Close()

	start := time.Now()
	_, err := r.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRecvAfterClose(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewResultReader(pr)
	defer r.Close()

	_ = pw.Close()

	_, err := r.Recv(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecvSurvivesTransientTimeouts(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewResultWriter(pw)
	r := NewResultReader(pr)
	defer r.Close()

	_, err := r.Recv(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, w.Send(&Result{CommandID: "late", Status: StatusSuccess}))
	}()

	got, err := r.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", got.CommandID)
}

func TestStopFlag(t *testing.T) {
	f := NewStopFlag()
	assert.False(t, f.IsSet())

	f.Set()
	assert.True(t, f.IsSet())

	f.Clear()
	assert.False(t, f.IsSet())
}
