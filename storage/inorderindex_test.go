package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromIndexOnLevel(t *testing.T) {
	require.EqualValues(t, 55, FromIndexOnLevel(3, 3))
}

func TestFromLeafIndex(t *testing.T) {
	require.EqualValues(t, 6, FromLeafIndex(3))
}

func TestFromPostorder(t *testing.T) {
	r := require.New(t)

	r.EqualValues(95, FromPostorder(125))

	// postorder 0..6 walks a full tree of four leaves
	expects := []InorderIndex{0, 2, 1, 4, 6, 5, 3}
	for postorder, expect := range expects {
		r.Equal(expect, FromPostorder(uint64(postorder)))
	}
}

func TestPostorder(t *testing.T) {
	r := require.New(t)

	for postorder := uint64(0); postorder < 4096; postorder++ {
		r.Equal(postorder, FromPostorder(postorder).Postorder())
	}
}

func TestFamily(t *testing.T) {
	r := require.New(t)

	r.Equal(InorderIndex(1), InorderIndex(0).Parent())
	r.Equal(InorderIndex(1), InorderIndex(2).Parent())
	r.Equal(InorderIndex(3), InorderIndex(5).Parent())
	r.Equal(InorderIndex(2), InorderIndex(0).Sibling())
	r.Equal(InorderIndex(5), InorderIndex(1).Sibling())

	r.True(InorderIndex(4).IsLeftChild())
	r.True(InorderIndex(6).IsRightChild())
	r.True(InorderIndex(6).IsLeaf())
	r.False(InorderIndex(5).IsLeaf())
	r.Equal(2, InorderIndex(3).Level())

	left, err := InorderIndex(5).LeftChild()
	r.NoError(err)
	r.Equal(InorderIndex(4), left)

	right, err := InorderIndex(5).RightChild()
	r.NoError(err)
	r.Equal(InorderIndex(6), right)

	_, err = InorderIndex(4).LeftChild()
	r.Error(err)
	_, err = InorderIndex(4).RightChild()
	r.Error(err)

	r.Equal(InorderIndex(0), InorderIndex(3).LeftMostChild())
	r.Equal(InorderIndex(6), InorderIndex(3).RightMostChild())
	r.EqualValues(1, InorderIndex(5).LeafIndexOnLevel())
}

func TestRootLevelFromLeafIndex(t *testing.T) {
	r := require.New(t)

	r.Equal(0, RootLevelFromLeafIndex(0))
	r.Equal(1, RootLevelFromLeafIndex(1))
	r.Equal(2, RootLevelFromLeafIndex(2))
	r.Equal(2, RootLevelFromLeafIndex(3))
	r.Equal(3, RootLevelFromLeafIndex(4))
}
