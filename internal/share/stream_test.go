package share

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_CompleteRequiresActive(t *testing.T) {
	st := newStream("s", nopSink(), time.Time{})
	assert.False(t, st.Complete())
	assert.Equal(t, Pending, st.State())

	require.NoError(t, st.bind(NewSource(bytes.NewReader(nil), nil)))
	assert.True(t, st.Complete())
	assert.Equal(t, Completed, st.State())
	assert.NoError(t, st.Err())

	select {
	case <-st.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestStream_SignalFiresOnce(t *testing.T) {
	st := newStream("s", nopSink(), time.Time{})
	require.NoError(t, st.bind(NewSource(bytes.NewReader(nil), nil)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = st.Complete()
			} else {
				ok = st.Abort(ErrTransferAborted)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.True(t, st.State().Terminal())
}

func TestStream_ExpireOnlyWhilePending(t *testing.T) {
	pending := newStream("p", nopSink(), time.Time{})
	assert.True(t, pending.Expire())
	assert.Equal(t, Aborted, pending.State())
	assert.ErrorIs(t, pending.Err(), ErrWaitTimeout)
	assert.ErrorIs(t, pending.Err(), ErrTransferAborted)

	active := newStream("a", nopSink(), time.Time{})
	require.NoError(t, active.bind(NewSource(bytes.NewReader(nil), nil)))
	assert.False(t, active.Expire())
	assert.Equal(t, Active, active.State())
}

func TestStream_AbortActiveInterruptsBothEnds(t *testing.T) {
	pr, pw := io.Pipe()
	sink := NewSink(pw, nil, func() { pw.CloseWithError(errors.New("interrupted")) })
	st := newStream("s", sink, time.Time{})

	srcReader, srcWriter := io.Pipe()
	src := NewSource(srcReader, func() { srcWriter.CloseWithError(errors.New("interrupted")) })
	require.NoError(t, st.bind(src))

	// A writer blocked on a pipe nobody reads.
	writeErr := make(chan error, 1)
	go func() {
		_, err := sink.Write([]byte("payload"))
		writeErr <- err
	}()
	readErr := make(chan error, 1)
	go func() {
		_, err := src.Read(make([]byte, 8))
		readErr <- err
	}()

	assert.True(t, st.Abort(ErrTransferAborted))
	assert.Error(t, <-writeErr)
	assert.Error(t, <-readErr)
	assert.True(t, sink.Interrupted())

	_, err := sink.Write([]byte("late"))
	assert.Error(t, err)
	_, err = src.Read(make([]byte, 1))
	assert.Error(t, err)
	pr.Close()
}

func TestStream_AbortPendingLeavesSinkUsable(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, nil, func() { t.Fatal("pending abort must not interrupt") })
	st := newStream("s", sink, time.Time{})

	assert.True(t, st.Abort(ErrTransferAborted))
	assert.False(t, sink.Interrupted())
	assert.ErrorIs(t, st.Err(), ErrTransferAborted)
}

func TestSink_CountsAndCloses(t *testing.T) {
	var (
		buf     bytes.Buffer
		flushes int
	)
	sink := NewSink(&buf, func() error { flushes++; return nil }, nil)

	n, err := sink.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, sink.Flush())
	assert.Equal(t, int64(5), sink.Written())
	assert.Equal(t, 1, flushes)

	require.NoError(t, sink.Close())
	_, err = sink.Write([]byte("x"))
	assert.Error(t, err)
	assert.Error(t, sink.Flush())
	assert.Equal(t, "hello", buf.String())
}
