package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

func TestLimiterWaitPacesKind(t *testing.T) {
	t.Parallel()

	l := New(Config{Rules: map[syllabus.TaskKind]Rule{
		syllabus.TaskKindList: {Every: 100 * time.Millisecond, Burst: 1},
	}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, syllabus.TaskKindList))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, syllabus.TaskKindList))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKindsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{Rules: map[syllabus.TaskKind]Rule{
		syllabus.TaskKindList:   {Every: time.Second, Burst: 1},
		syllabus.TaskKindDetail: PerSecond(5),
	}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, syllabus.TaskKindList))

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, syllabus.TaskKindDetail))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond, "detail burst should not wait on list")
}

func TestLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: Rule{Every: time.Hour, Burst: 1}})
	require.NoError(t, l.Wait(context.Background(), "other"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "other"))
}

func TestPerSecond(t *testing.T) {
	t.Parallel()

	require.Equal(t, Rule{Every: 250 * time.Millisecond, Burst: 4}, PerSecond(4))
	require.Equal(t, Rule{}, PerSecond(0))
}
