package digest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/digest"
)

func TestHasher_Deterministic(t *testing.T) {
	build := func() digest.Digest {
		h := digest.New()
		h.AppendTagged("arg", []byte("-I"))
		h.AppendTagged("arg", []byte("-O2"))
		return h.Finalize()
	}

	require.Equal(t, build(), build())
}

func TestHasher_DelimiterAvoidsCrossRegionCollision(t *testing.T) {
	a := digest.New()
	a.AppendTagged("arg", []byte("-I"))
	a.AppendTagged("arg", []byte("-O2"))
	da := a.Finalize()

	b := digest.New()
	b.AppendTagged("arg", []byte("-I-O2"))
	db := b.Finalize()

	assert.NotEqual(t, da, db, "delimited regions must not collide across concatenation")
}

func TestDigest_HexRoundTrip(t *testing.T) {
	d := digest.Sum([]byte("hello world"))

	parsed, err := digest.FromHex(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestDigest_IsZero(t *testing.T) {
	var d digest.Digest
	assert.True(t, d.IsZero())

	d = digest.Sum([]byte("x"))
	assert.False(t, d.IsZero())
}

func TestHasher_CloneIndependence(t *testing.T) {
	base := digest.New()
	base.AppendTagged("common", []byte("shared"))

	common := base.Finalize()

	branchA := base.Clone()
	branchA.AppendTagged("direct", []byte("a"))

	branchB := base.Clone()
	branchB.AppendTagged("direct", []byte("b"))

	assert.NotEqual(t, branchA.Finalize(), branchB.Finalize())
	assert.Equal(t, common, base.Clone().Finalize())
}
