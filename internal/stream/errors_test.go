package stream

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUnrecoverable(t *testing.T) {
	err := Unrecoverable("binlog position purged", io.EOF)
	assert.True(t, IsUnrecoverable(err))
	assert.True(t, IsUnrecoverable(fmt.Errorf("open session: %w", err)))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "unrecoverable stream error: binlog position purged: EOF", err.Error())

	assert.False(t, IsUnrecoverable(io.ErrUnexpectedEOF))
	assert.False(t, IsUnrecoverable(nil))
	assert.Equal(t, "unrecoverable stream error: access denied", Unrecoverable("access denied", nil).Error())
}

func TestChangeIsMarker(t *testing.T) {
	assert.True(t, (&Change{}).IsMarker())
	assert.False(t, (&Change{Schema: "tr", Table: "a"}).IsMarker())
}
