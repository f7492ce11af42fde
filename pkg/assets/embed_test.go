package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	page, err := Read("maintenance.html")
	require.NoError(t, err)
	assert.Contains(t, string(page), "We'll be back soon!")
	assert.Equal(t, page, MaintenancePage())

	initScript, err := Read("supervisord.init")
	require.NoError(t, err)
	assert.Contains(t, string(initScript), "prog_bin=")

	_, err = Read("missing.txt")
	assert.Error(t, err)
}
