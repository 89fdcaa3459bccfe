package badgerdata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/y-scope/spider-go/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := core.Data{ID: uuid.New(), Value: []byte("hello")}
	require.NoError(t, s.PutData(ctx, d))

	got, err := s.GetData(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, d.Value, got.Value)
}

func TestPutDataIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, s.PutData(ctx, core.Data{ID: id, Value: []byte("first")}))
	require.NoError(t, s.PutData(ctx, core.Data{ID: id, Value: []byte("second")}))

	got, err := s.GetData(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got.Value)
}

func TestLocalityListOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.AddLocality(ctx, core.DataLocality{DataID: id, Address: "host-a"}))
	require.NoError(t, s.AddLocality(ctx, core.DataLocality{DataID: id, Address: "host-b"}))

	got, err := s.ListLocality(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "host-a", got[0].Address)
	require.Equal(t, "host-b", got[1].Address)
}

func TestRemoveDanglingDataKeepsReferencedRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	referenced := core.Data{ID: uuid.New(), Value: []byte("keep")}
	dangling := core.Data{ID: uuid.New(), Value: []byte("drop")}
	require.NoError(t, s.PutData(ctx, referenced))
	require.NoError(t, s.PutData(ctx, dangling))

	ownerID := uuid.New()
	require.NoError(t, s.AddReference(ctx, core.DataRef{DataID: referenced.ID, OwnerKind: core.DataRefTask, OwnerID: ownerID}))

	removed, err := s.RemoveDanglingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.GetData(ctx, referenced.ID)
	require.NoError(t, err)

	_, err = s.GetData(ctx, dangling.ID)
	require.Error(t, err)
}

func TestRemoveDanglingDataAfterReferenceRemoved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := core.Data{ID: uuid.New(), Value: []byte("v")}
	require.NoError(t, s.PutData(ctx, d))
	ownerID := uuid.New()
	require.NoError(t, s.AddReference(ctx, core.DataRef{DataID: d.ID, OwnerKind: core.DataRefDriver, OwnerID: ownerID}))

	removed, err := s.RemoveDanglingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	require.NoError(t, s.RemoveReference(ctx, d.ID, core.DataRefDriver, ownerID))

	removed, err = s.RemoveDanglingData(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
