package postgres

import (
	"testing"

	"github.com/lalith-99/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalList_NilIsEmptyArray(t *testing.T) {
	raw, err := marshalList[models.Notification](nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	raw, err = marshalList([]models.FriendRequest{{RequesterName: "Ana"}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Ana")
}
