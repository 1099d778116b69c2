package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *memLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, msg, kv))
}

func (l *memLogger) Debug(msg string, kv ...any) { l.add("DEBUG", msg, kv) }
func (l *memLogger) Info(msg string, kv ...any)  { l.add("INFO", msg, kv) }
func (l *memLogger) Error(msg string, kv ...any) { l.add("ERROR", msg, kv) }

func (l *memLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, level+" ") {
			n++
		}
	}
	return n
}

func newDispatcher(t *testing.T) (*Dispatcher, *memLogger) {
	t.Helper()
	log := &memLogger{}
	d, err := New(log)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, log
}

func TestDispatch_Synchronous(t *testing.T) {
	d, _ := newDispatcher(t)
	d.Register("cycle", func(e Event) (any, error) {
		return e.Payload.(int) * 2, nil
	})

	res, err := d.Dispatch(Event{Kind: "cycle", Payload: 21})
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	_, err = d.Dispatch(Event{Kind: "teleport"})
	assert.ErrorContains(t, err, "unknown event kind: teleport")

	assert.True(t, d.HasHandler("cycle"))
	assert.False(t, d.HasHandler("lanechange"))
}

func TestDispatch_BufferedRunsOnWorker(t *testing.T) {
	d, _ := newDispatcher(t)
	var handled atomic.Int32
	d.Register("lanechange", func(Event) (any, error) {
		handled.Add(1)
		return nil, nil
	}, Buffered(16))

	for range 5 {
		res, err := d.Dispatch(Event{Kind: "lanechange"})
		require.NoError(t, err)
		assert.Equal(t, Queued, res)
	}
	d.Close()
	assert.Equal(t, int32(5), handled.Load())
}

func TestDispatch_FullRouteDrops(t *testing.T) {
	d, _ := newDispatcher(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register("cooperation", func(Event) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}, Buffered(2))

	_, err := d.Dispatch(Event{Kind: "cooperation"})
	require.NoError(t, err)
	<-started // worker holds the first event

	for range 2 {
		_, err := d.Dispatch(Event{Kind: "cooperation"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.Depth("cooperation"))

	_, err = d.Dispatch(Event{Kind: "cooperation"})
	assert.ErrorContains(t, err, "queue full: cooperation")
	close(release)
}

func TestDispatch_BlockingRouteWaits(t *testing.T) {
	d, _ := newDispatcher(t)
	release := make(chan struct{})
	d.Register("cycle", func(Event) (any, error) {
		<-release
		return nil, nil
	}, Buffered(1), Blocking())

	_, _ = d.Dispatch(Event{Kind: "cycle"})
	_, _ = d.Dispatch(Event{Kind: "cycle"})

	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(Event{Kind: "cycle"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dispatch on a full blocking route returned early")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked dispatch never completed")
	}
}

func TestLogged(t *testing.T) {
	d, log := newDispatcher(t)
	d.Register("lanechange", func(Event) (any, error) { return "ok", nil }, Logged())
	d.Register("cycle", func(Event) (any, error) { return nil, errors.New("disk full") }, Logged(), Buffered(4))

	_, err := d.Dispatch(Event{Kind: "lanechange", Payload: "cav.1"})
	require.NoError(t, err)
	_, err = d.Dispatch(Event{Kind: "cycle"})
	require.NoError(t, err)
	d.Close()

	assert.Equal(t, 1, log.count("DEBUG"))
	// the logged wrapper and the worker both report the failure
	assert.Equal(t, 2, log.count("ERROR"))
}

func TestClose_DrainsAndRejects(t *testing.T) {
	d, _ := newDispatcher(t)
	var handled atomic.Int32
	d.Register("cycle", func(Event) (any, error) {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil, nil
	}, Buffered(32))

	for i := range 20 {
		_, err := d.Dispatch(Event{Kind: "cycle", Payload: i})
		require.NoError(t, err)
	}
	d.Close()
	assert.Equal(t, int32(20), handled.Load())
	assert.Zero(t, d.Depth("cycle"))

	_, err := d.Dispatch(Event{Kind: "cycle"})
	assert.ErrorIs(t, err, ErrClosed)
	d.Close()
}
