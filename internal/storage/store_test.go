package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrutiny-go/internal/model"
)

func sample(ref string, at time.Time) *model.Acquisition {
	return &model.Acquisition{
		ReferenceID:  ref,
		Name:         "acq " + ref,
		AcquiredAt:   at,
		TriggerIndex: 1,
		XData:        model.Series{Name: "time", Data: []float64{0, 0.1, 0.2}},
		Axes:         []model.Axis{{ID: 0, Name: "Axis 1"}},
		YData: []model.Series{
			{Name: "speed", Path: "/rpv/x1000", AxisID: 0, Data: []float64{1, 2, 3}},
		},
	}
}

func stores(t *testing.T) map[string]Store {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "acq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemoryStore()}
}

func TestStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.Save(ctx, sample("a", base)))
			require.NoError(t, s.Save(ctx, sample("b", base.Add(time.Minute))))
			require.NoError(t, s.Save(ctx, sample("c", base.Add(2*time.Minute))))

			got, err := s.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "acq b", got.Name)
			assert.Equal(t, []float64{1, 2, 3}, got.YData[0].Data)
			assert.Equal(t, "/rpv/x1000", got.YData[0].Path)
			assert.True(t, got.AcquiredAt.Equal(base.Add(time.Minute)))

			list, err := s.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "c", list[0].ReferenceID)
			assert.Equal(t, "b", list[1].ReferenceID)
			assert.Equal(t, 3, list[0].Samples)
			assert.Equal(t, 1, list[0].Signals)

			require.NoError(t, s.Delete(ctx, "a"))
			assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err = s.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sample("persist", time.Now())))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "persist")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())
}
