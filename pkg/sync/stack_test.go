package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStack(t *testing.T) {
	s := NewStack[int]()
	_, ok := s.Pop()
	require.False(t, ok)

	s.Push(1)
	s.Push(2)
	require.Equal(t, 2, s.Len())

	v, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
	v, ok = s.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Zero(t, s.Len())
}

func TestStackConcurrent(t *testing.T) {
	s := NewStack[int]()
	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			for j := range 1000 {
				s.Push(i*1000 + j)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 16_000, s.Len())

	seen := make(map[int]struct{}, 16_000)
	for {
		v, ok := s.Pop()
		if !ok {
			break
		}
		seen[v] = struct{}{}
	}
	require.Len(t, seen, 16_000)
}
