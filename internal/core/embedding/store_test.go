package embedding_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/coretest"
	"github.com/jinford/efo-mapper/internal/core/embedding"
)

func noWait() embedding.StoreOption {
	return embedding.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
}

func TestStore_EmbedAll(t *testing.T) {
	ctx := context.Background()
	fake := coretest.NewFakeEmbedder(3)
	store := embedding.NewStore("trait", fake, noWait())

	report, err := store.EmbedAll(ctx, []string{"a", "b", "c"}, []string{"asthma", "height", "copd"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 3, report.Embedded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 3, store.Dimension())
	assert.Equal(t, 2, fake.BatchCalls)

	e, ok := store.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "height", e.Text)
	assert.Equal(t, embedding.TextHash("fake-embedding", "height"), e.TextHash)
	assert.Len(t, e.Vector, 3)
}

func TestStore_EmbedAll_ContentAddressedCache(t *testing.T) {
	ctx := context.Background()
	fake := coretest.NewFakeEmbedder(3)
	store := embedding.NewStore("trait", fake, noWait())

	_, err := store.EmbedAll(ctx, []string{"a", "b"}, []string{"asthma", "height"})
	require.NoError(t, err)
	calls := len(fake.Embedded)

	report, err := store.EmbedAll(ctx, []string{"a", "b"}, []string{"asthma", "body height"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cached)
	assert.Equal(t, 1, report.Embedded)
	assert.Equal(t, []string{"body height"}, fake.Embedded[calls:])

	e, _ := store.Lookup("b")
	assert.Equal(t, "body height", e.Text)
}

func TestStore_EmbedAll_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	fake := coretest.NewFakeEmbedder(3)
	fake.Fail["bad"] = embedding.ErrEmbeddingRejected
	store := embedding.NewStore("trait", fake, noWait())

	report, err := store.EmbedAll(ctx, []string{"a", "b", "c"}, []string{"asthma", "bad", ""})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Embedded)
	assert.Equal(t, 2, report.Failed)

	failed := store.Failed()
	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed["b"], embedding.ErrEmbeddingRejected)
	assert.ErrorIs(t, failed["c"], embedding.ErrEmptyText)

	_, ok := store.Lookup("b")
	assert.False(t, ok)
	_, ok = store.Lookup("a")
	assert.True(t, ok)
	assert.NotContains(t, fake.Embedded, "")
}

func TestStore_EmbedAll_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	fake := coretest.NewFakeEmbedder(3)
	fake.BatchSize = 1
	fake.Transient["asthma"] = 2
	store := embedding.NewStore("trait", fake, noWait(), embedding.WithMaxRetries(3))

	report, err := store.EmbedAll(ctx, []string{"a"}, []string{"asthma"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Embedded)
	assert.Equal(t, 3, fake.BatchCalls)
}

func TestStore_EmbedAll_Unavailable(t *testing.T) {
	fake := coretest.NewFakeEmbedder(3)
	fake.Err = errors.Join(embedding.ErrEmbeddingUnavailable, errors.New("401"))
	store := embedding.NewStore("trait", fake, noWait())

	_, err := store.EmbedAll(context.Background(), []string{"a"}, []string{"asthma"})
	assert.ErrorIs(t, err, embedding.ErrEmbeddingUnavailable)
	assert.Equal(t, 1, fake.BatchCalls)
}

func TestStore_EmbedAll_InvalidInput(t *testing.T) {
	store := embedding.NewStore("trait", coretest.NewFakeEmbedder(3), noWait())

	_, err := store.EmbedAll(context.Background(), []string{"a", "a"}, []string{"x", "y"})
	assert.ErrorIs(t, err, embedding.ErrDuplicateID)

	_, err = store.EmbedAll(context.Background(), []string{"a"}, []string{"x", "y"})
	assert.Error(t, err)
}

func TestStore_EmbedAll_DimensionMismatch(t *testing.T) {
	fake := coretest.NewFakeEmbedder(3)
	store := embedding.NewStore("efo", fake, noWait(), embedding.WithDimension(4))

	report, err := store.EmbedAll(context.Background(), []string{"EFO_1"}, []string{"asthma"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorIs(t, store.Failed()["EFO_1"], embedding.ErrDimensionMismatch)
}

func TestStore_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	repo := coretest.NewMemoryVectorRepository()

	fake := coretest.NewFakeEmbedder(3)
	store := embedding.NewStore("efo", fake, noWait())
	_, err := store.EmbedAll(ctx, []string{"EFO_1", "EFO_2"}, []string{"asthma", "copd"})
	require.NoError(t, err)

	saved, err := store.Persist(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	saved, err = store.Persist(ctx, repo)
	require.NoError(t, err)
	assert.Zero(t, saved)
	assert.Equal(t, 1, repo.SaveCalls)

	other := coretest.NewFakeEmbedder(3)
	restoredStore := embedding.NewStore("efo", other, noWait())
	restored, err := restoredStore.Restore(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	report, err := restoredStore.EmbedAll(ctx, []string{"EFO_1", "EFO_2"}, []string{"asthma", "copd"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Cached)
	assert.Empty(t, other.Embedded)
}

func TestStore_Restore_IgnoresOtherModel(t *testing.T) {
	ctx := context.Background()
	repo := coretest.NewMemoryVectorRepository()

	old := coretest.NewFakeEmbedder(3)
	old.Model = "old-model"
	store := embedding.NewStore("efo", old, noWait())
	_, err := store.EmbedAll(ctx, []string{"EFO_1", "EFO_2"}, []string{"asthma", "copd"})
	require.NoError(t, err)
	_, err = store.Persist(ctx, repo)
	require.NoError(t, err)

	// モデルを切り替えると次元も変わる
	current := coretest.NewFakeEmbedder(4)
	current.Model = "new-model"
	switched := embedding.NewStore("efo", current, noWait())
	restored, err := switched.Restore(ctx, repo)
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Zero(t, switched.Dimension())

	report, err := switched.EmbedAll(ctx, []string{"EFO_1", "EFO_2"}, []string{"asthma", "copd"})
	require.NoError(t, err)
	assert.Zero(t, report.Cached)
	assert.Zero(t, report.Failed)
	assert.Len(t, current.Embedded, 2)
	assert.Equal(t, 4, switched.Dimension())
}
