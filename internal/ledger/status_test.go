package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusVocabulary(t *testing.T) {
	assert.Equal(t, 1, StatusSuccess.ID())
	assert.Equal(t, 5, StatusFailed.ID())
	assert.Equal(t, 9, StatusReachLimit.ID())
	assert.Equal(t, "reach_limit", StatusReachLimit.String())
	assert.Equal(t, "status(2)", Status(2).String())
	assert.False(t, Status(0).Valid())
	assert.Len(t, Statuses(), 3)

	for _, s := range Statuses() {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("unknown")
	require.ErrorIs(t, err, ErrInvalidStatus)
}
