package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/syllabus-indexer/internal/clock/system"
	memindex "github.com/JakeFAU/syllabus-indexer/internal/index/memory"
	"github.com/JakeFAU/syllabus-indexer/internal/storage/memory"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

func TestRootRegistersCommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"crawl", "worker", "serve", "generations", "load"} {
		require.True(t, names[want], "missing command %s", want)
	}
}

func TestReadSubjects(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`{"ja":{"id":1,"title":"線形代数"},"en":{"id":1,"title":"Linear Algebra"}}

{"ja":{"id":2,"title":"物理"},"en":{"id":2,"title":"Physics"}}
`)
	got, err := readSubjects(in)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Physics", got[1].EN.Title)
	require.NotNil(t, got[0].JA.Instructors)
}

func TestReadSubjectsReportsLine(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`{"ja":{"id":1,"title":"a"},"en":{"id":1,"title":"b"}}
{"ja":{"id":2,"title":"a","extra":true},"en":{"id":2,"title":"b"}}
`)
	_, err := readSubjects(in)
	require.ErrorContains(t, err, "line 2")
	require.Equal(t, syllabus.KindValidation, syllabus.Kind(err))
}

func TestReadSubjectsRejectsSingleLocaleLines(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`{"id":1,"title":"線形代数","instructors":[],"categories":[],"flags":[],"plans":[]}`)
	_, err := readSubjects(in)
	require.ErrorContains(t, err, "line 1")
	require.ErrorContains(t, err, `unknown field "id"`)
	require.Equal(t, syllabus.KindValidation, syllabus.Kind(err))

	require.Contains(t, newLoadCmd().Long, "single locale")
}

func TestLoadGenerationAndRender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := memindex.New()
	subjects, err := readSubjects(strings.NewReader(`{"ja":{"id":7,"title":"化学"},"en":{"id":7,"title":"Chemistry"}}`))
	require.NoError(t, err)
	require.NoError(t, loadGeneration(ctx, idx, "g1", subjects))

	got, err := idx.Get(ctx, syllabus.LocaleEN, "g1", 7)
	require.NoError(t, err)
	require.Equal(t, "Chemistry", got.Title)

	require.NoError(t, idx.Publish(ctx, syllabus.LocaleJA, "g1"))
	gens, err := idx.Generations(ctx, syllabus.LocaleJA)
	require.NoError(t, err)

	var out bytes.Buffer
	renderGenerations(&out, gens)
	require.Contains(t, out.String(), "g1")
	require.Contains(t, out.String(), "*")
	require.Contains(t, out.String(), "Total")
}

func TestWaitForRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := memory.NewRunStore(system.New())
	require.NoError(t, runs.CreateRun(ctx, syllabus.Run{Generation: "g", State: syllabus.RunListing, Page: 1}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = runs.UpdateRun(ctx, "g", syllabus.RunDone, 3, "")
	}()
	got, err := waitForRun(ctx, runs, "g", 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, syllabus.RunDone, got.State)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, runs.CreateRun(ctx, syllabus.Run{Generation: "h", State: syllabus.RunListing}))
	_, err = waitForRun(canceled, runs, "h", time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}
