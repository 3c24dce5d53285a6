package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

func testItem() pipeline.RawItem {
	return pipeline.RawItem{
		Platform:  pipeline.PlatformWeibo,
		NativeID:  "50001",
		AuthorID:  "777",
		Body:      "今天物价又涨了",
		MediaRefs: []string{"https://wx.example/p.jpg"},
		PostedAt:  time.Unix(1772200000, 0).UTC(),
		FetchedAt: time.Unix(1772203600, 0).UTC(),
	}
}

func expectUpsert(mock pgxmock.PgxPoolIface, item pipeline.RawItem, inserted bool, oldBody string) {
	fp := pipeline.FingerprintOf(item)
	mock.ExpectQuery("WITH existing AS").
		WithArgs(
			string(fp), string(item.Platform), item.NativeID, item.ParentID, item.AuthorID,
			item.Body, []byte(`["https://wx.example/p.jpg"]`), item.PostedAt, item.FetchedAt,
		).
		WillReturnRows(pgxmock.NewRows([]string{"inserted", "coalesce"}).AddRow(inserted, oldBody))
}

func TestUpsertOutcomes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "corpus_items")
	require.NoError(t, err)

	item := testItem()

	// First sighting inserts.
	expectUpsert(mock, item, true, "")
	outcome, err := store.Upsert(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, pipeline.Inserted, outcome)

	// Identical re-crawl is unchanged.
	expectUpsert(mock, item, false, item.Body)
	outcome, err = store.Upsert(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, pipeline.Unchanged, outcome)

	// An edited body updates in place.
	expectUpsert(mock, item, false, "旧正文")
	outcome, err = store.Upsert(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, pipeline.Updated, outcome)

	// When a concurrent writer wins the insert race, the conflict-update
	// path reports the row as existing even though the pre-statement
	// snapshot was empty; it must not be counted as a second insert.
	expectUpsert(mock, item, false, "")
	outcome, err = store.Upsert(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, pipeline.Updated, outcome)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsEmptyNativeID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "corpus_items")
	require.NoError(t, err)

	item := testItem()
	item.NativeID = ""
	_, err = store.Upsert(context.Background(), item)
	require.Error(t, err)
	require.Equal(t, pipeline.ClassMalformedResponse, pipeline.ClassOf(err))
}

func TestUpsertClassifiesStorageOutage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "corpus_items")
	require.NoError(t, err)

	item := testItem()
	mock.ExpectQuery("WITH existing AS").
		WillReturnError(context.DeadlineExceeded)

	_, err = store.Upsert(context.Background(), item)
	require.Error(t, err)
	require.Equal(t, pipeline.ClassPersistenceUnavailable, pipeline.ClassOf(err))
}

func TestAddProvenanceAppends(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "corpus_items")
	require.NoError(t, err)

	p := pipeline.Provenance{
		Fingerprint: "fp-1",
		TopicID:     "topic-1",
		Keyword:     "物价",
		Platform:    pipeline.PlatformWeibo,
		RunDate:     "2026-03-01",
	}
	mock.ExpectExec("INSERT INTO corpus_items_provenance").
		WithArgs("fp-1", "topic-1", "物价", "wb", "2026-03-01").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AddProvenance(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "corpus; drop table students")
	require.Error(t, err)
}
