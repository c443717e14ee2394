package repack

import (
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"testing"
)

func Test_checkVersionString(t *testing.T) {
	assert.NoError(t, checkVersionString("library", "pg_repack 1.1.0"))

	err := checkVersionString("library", "pg_repack 1.0.0")
	assert.Error(t, err)
	assert.True(t, isSkip(err))
	assert.Contains(t, err.Error(), "1.0.0")

	err = checkVersionString("SQL", "")
	assert.Error(t, err)
	assert.True(t, isSkip(err))
}

func Test_isSkip(t *testing.T) {
	assert.True(t, isSkip(skipf("extension missing")))
	assert.True(t, isSkip(errors.Wrap(skipf("extension missing"), "mydb")))
	assert.False(t, isSkip(errors.New("broken pipe")))
	assert.False(t, isSkip(nil))
}
