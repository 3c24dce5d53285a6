package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

func TestUpsertLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	item := pipeline.RawItem{
		Platform:  pipeline.PlatformZhihu,
		NativeID:  "answer:42",
		AuthorID:  "u1",
		Body:      "original take",
		FetchedAt: time.Unix(1772200000, 0).UTC(),
	}
	fp := pipeline.FingerprintOf(item)

	outcome, err := s.Upsert(ctx, item)
	require.NoError(t, err)
	require.Equal(t, pipeline.Inserted, outcome)

	// Re-crawling the same content changes nothing, including FetchedAt.
	later := item
	later.FetchedAt = later.FetchedAt.Add(time.Hour)
	outcome, err = s.Upsert(ctx, later)
	require.NoError(t, err)
	require.Equal(t, pipeline.Unchanged, outcome)

	stored, ok := s.Item(fp)
	require.True(t, ok)
	require.Equal(t, item.FetchedAt, stored.FetchedAt)

	// An edit updates in place rather than growing the corpus.
	edited := later
	edited.Body = "edited take"
	outcome, err = s.Upsert(ctx, edited)
	require.NoError(t, err)
	require.Equal(t, pipeline.Updated, outcome)
	require.Equal(t, 1, s.Len())

	stored, _ = s.Item(fp)
	require.Equal(t, "edited take", stored.Body)
	require.Equal(t, item.FetchedAt, stored.FetchedAt)
}

func TestProvenanceDeduplicates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	p := pipeline.Provenance{
		Fingerprint: "fp-1",
		TopicID:     "topic-1",
		Keyword:     "油价",
		Platform:    pipeline.PlatformTieba,
		RunDate:     "2026-03-01",
	}
	require.NoError(t, s.AddProvenance(ctx, p))
	require.NoError(t, s.AddProvenance(ctx, p))

	other := p
	other.Keyword = "汽油"
	require.NoError(t, s.AddProvenance(ctx, other))

	require.Len(t, s.ProvenanceFor("fp-1"), 2)
}
