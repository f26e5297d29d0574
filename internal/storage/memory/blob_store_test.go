package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnenv/envcrawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("location_id,provider_id\n")
	uri, err := store.PutObject(context.Background(), "batches/air/job.csv", "text/csv", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://batches/air/job.csv", uri)

	payload[0] = 'X'
	got, err := store.GetObject(context.Background(), "batches/air/job.csv")
	require.NoError(t, err)
	require.Equal(t, "location_id,provider_id\n", string(got))

	got[0] = 'Y'
	again, err := store.GetObject(context.Background(), "batches/air/job.csv")
	require.NoError(t, err)
	require.Equal(t, byte('l'), again[0])
	require.Equal(t, []string{"batches/air/job.csv"}, store.Paths())
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "nope.csv")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)

	_, err = NewBlobStore().PutObject(context.Background(), " ", "text/csv", nil)
	require.Error(t, err)
}
