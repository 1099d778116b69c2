package run

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Defaults(t *testing.T) {
	ctx := NewContext()

	assert.Equal(t, "No run started", ctx.Run().ID)
	assert.False(t, ctx.Started())
	assert.Nil(t, ctx.LogAttrs())
}

func TestNewRun_UniqueIDs(t *testing.T) {
	a := NewRun("custom", []string{"2", "3"}, 0.1, 60, 9497)
	b := NewRun("custom", []string{"2", "3"}, 0.1, 60, 9497)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 20)
	assert.Equal(t, []string{"2", "3"}, a.Segments)
	assert.Equal(t, uint64(9497), a.Seed)
}

func TestContext_Progress(t *testing.T) {
	ctx := NewContext()
	r := NewRun("baseline", nil, 0.1, 60, 1)
	ctx.Start(r)
	require.True(t, ctx.Started())

	ctx.Advance(1200, 2, 35)
	ctx.SetLayout(3, 4, 3, 2)
	ctx.SetReward(2.4)

	s := ctx.Status()
	assert.Equal(t, r.ID, s.RunID)
	assert.Equal(t, "baseline", s.ControlMode)
	assert.Equal(t, uint64(1200), s.Tick)
	assert.InDelta(t, 120.0, s.SimTime, 1e-9)
	assert.Equal(t, 35, s.Vehicles)
	assert.Equal(t, [4]int{3, 4, 3, 2}, [4]int{s.R, s.N, s.M, s.HCL})
	assert.Equal(t, 2.4, s.LastReward)

	attrs := ctx.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "tick", attrs[0].Key)
	assert.Equal(t, uint64(1200), attrs[0].Value.Uint64())
}

func TestContext_ThreadSafe(t *testing.T) {
	ctx := NewContext()
	ctx.Start(NewRun("custom", nil, 0.1, 60, 1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx.Advance(uint64(i), 0, i)
			_ = ctx.Status()
			_ = ctx.LogAttrs()
		}(i)
	}
	wg.Wait()
}
