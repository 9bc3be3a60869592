package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	id, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Zero(t, id)

	id, err = DecodeJobCursor(EncodeJobCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "%%%"},
		{name: "not a number", cursor: "YWJj"},
		{name: "negative", cursor: EncodeJobCursor(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}
