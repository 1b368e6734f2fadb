package tickctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStats_RoundTrip(t *testing.T) {
	_, ok := From(context.Background())
	require.False(t, ok)

	st := New()
	ctx := WithStats(context.Background(), st)
	Get(ctx).Completed += 2
	got, ok := From(ctx)
	require.True(t, ok)
	require.Same(t, st, got)
	require.Equal(t, 2, st.Completed)
}

func TestStats_GetWithoutState(t *testing.T) {
	a := Get(context.Background())
	a.Failed++
	b := Get(context.Background())
	require.Zero(t, b.Failed)
}

func TestStats_Add(t *testing.T) {
	s := Stats{Reserved: 1, Children: 3}
	s.Add(Stats{Reserved: 2, Dispatched: 5, DriverErrs: 1})
	require.Equal(t, Stats{Reserved: 3, Children: 3, Dispatched: 5, DriverErrs: 1}, s)
}
