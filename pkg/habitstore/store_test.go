package habitstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	t.Run("nil error stays nil", func(t *testing.T) {
		assert.NoError(t, classify("write", nil))
	})

	t.Run("unavailable is retryable", func(t *testing.T) {
		err := classify("write", status.Error(codes.Unavailable, "backend down"))
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	})

	t.Run("permission denied is permanent", func(t *testing.T) {
		err := classify("write", status.Error(codes.PermissionDenied, "nope"))
		require.Error(t, err)
		assert.False(t, IsRetryable(err))

		var se *StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "write", se.Op)
	})

	t.Run("unclassified errors default to retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(errors.New("connection reset")))
	})
}
