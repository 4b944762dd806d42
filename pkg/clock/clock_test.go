package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestObserveRebasesOffset(t *testing.T) {
	local := time.Unix(1700000000, 0)
	c := NewServerClock(fixedClock{local}, nil)

	assert.Equal(t, local, c.Now())
	assert.Equal(t, SourceNone, c.Status().Source)

	require.NoError(t, c.Observe(local.Add(3*time.Second)))
	assert.Equal(t, 3*time.Second, c.Offset())
	assert.Equal(t, local.Add(3*time.Second), c.Now())
	assert.Equal(t, SourceStream, c.Status().Source)

	require.NoError(t, c.Observe(local.Add(-time.Second)))
	assert.Equal(t, -time.Second, c.Offset())

	assert.ErrorIs(t, c.Observe(time.Time{}), ErrZeroTime)
	assert.Equal(t, -time.Second, c.Offset())
}

func TestSyncNTP(t *testing.T) {
	local := time.Unix(1700000000, 0)
	c := NewServerClock(fixedClock{local}, nil)

	var host string
	c.query = func(h string, _ ntp.QueryOptions) (*ntp.Response, error) {
		host = h
		return &ntp.Response{
			ClockOffset: 250 * time.Millisecond,
			Stratum:     2,
			Leap:        ntp.LeapNoWarning,
			RTT:         10 * time.Millisecond,
			RootDelay:   time.Millisecond,
		}, nil
	}

	require.NoError(t, c.SyncNTP(context.Background(), "pool.ntp.org"))
	assert.Equal(t, "pool.ntp.org", host)
	assert.Equal(t, 250*time.Millisecond, c.Offset())
	assert.Equal(t, SourceNTP, c.Status().Source)

	c.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return nil, errors.New("i/o timeout")
	}
	err := c.SyncNTP(context.Background(), "pool.ntp.org")
	require.Error(t, err)
	assert.Equal(t, 250*time.Millisecond, c.Offset())
	assert.Contains(t, c.Status().Error, "i/o timeout")
}

func TestSyncNTPCanceled(t *testing.T) {
	c := NewServerClock(nil, nil)
	c.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		t.Fatal("query after cancel")
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.SyncNTP(ctx, "x"), context.Canceled)
}

func TestTick(t *testing.T) {
	local := time.Unix(1700000000, 0)
	ctx, cancel := context.WithCancel(context.Background())

	var n atomic.Int32
	done := make(chan struct{})
	go func() {
		Tick(ctx, fixedClock{local}, 10*time.Millisecond, func(now time.Time) {
			assert.Equal(t, local, now)
			if n.Add(1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick did not stop")
	}
	assert.GreaterOrEqual(t, n.Load(), int32(3))
}
