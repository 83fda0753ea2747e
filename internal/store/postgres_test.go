package store

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A search without a capability filter must bind an empty array, not
// SQL NULL: NULL turns the whole capability predicate into three-valued
// unknown and the query matches nothing.
func TestSearchCapabilityBindIsNeverNull(t *testing.T) {
	v, err := pq.Array(nonNilTextArray(nil)).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	v, err = pq.Array(nonNilTextArray([]string{"translate"})).Value()
	require.NoError(t, err)
	assert.Equal(t, `{"translate"}`, v)

	// The raw nil bind this guards against.
	null, err := pq.Array([]string(nil)).Value()
	require.NoError(t, err)
	assert.Nil(t, null)
}
