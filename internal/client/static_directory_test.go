package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-approvals/internal/config"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDirectory(config.DirectoryConfig{
		Source: config.DirectoryStatic,
		Roles: map[string][]string{
			"BOARD": {"U3", "U1", "U2", "U1"},
		},
		InactiveUsers: []string{"U2"},
	})

	holders, err := d.RoleHolders(ctx, "BOARD")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U3"}, holders)

	holders, err = d.RoleHolders(ctx, "NOBODY")
	require.NoError(t, err)
	assert.Empty(t, holders)

	active, err := d.IsActive(ctx, "U2")
	require.NoError(t, err)
	assert.False(t, active)

	active, err = d.IsActive(ctx, "stranger")
	require.NoError(t, err)
	assert.True(t, active)

	d.SetActive("U2", true)
	d.SetActive("U1", false)
	holders, err = d.RoleHolders(ctx, "BOARD")
	require.NoError(t, err)
	assert.Equal(t, []string{"U2", "U3"}, holders)
}
