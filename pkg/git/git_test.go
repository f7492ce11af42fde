package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supreme-majesty/propel/pkg/logging"
	"github.com/supreme-majesty/propel/pkg/supervisor/supervisortest"
)

func TestInitBareRepo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	host := supervisortest.NewHost(t.TempDir())
	g := New(dir, host, logging.Discard())

	created, err := g.InitBareRepo(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, created)

	for _, p := range []string{"shop", "shop.git", "shop.logs"} {
		info, err := os.Stat(filepath.Join(dir, p))
		require.NoError(t, err, p)
		assert.True(t, info.IsDir(), p)
	}
	assert.Equal(t, []string{"git init --bare"}, host.Calls)

	created, err = g.InitBareRepo(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, host.Calls, 1)
}

func TestInitBareRepo_GitFails(t *testing.T) {
	host := supervisortest.NewHost(t.TempDir())
	host.Fail["git init --bare"] = true
	g := New(t.TempDir(), host, logging.Discard())

	_, err := g.InitBareRepo(context.Background(), "shop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to init bare repo")
}

func TestUpdatePostReceiveHook(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, supervisortest.NewHost(t.TempDir()), logging.Discard())
	g.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, g.UpdatePostReceiveHook("shop", "propel deploy -w"))

	hook := filepath.Join(dir, "shop.git", "hooks", "post-receive")
	data, err := os.ReadFile(hook)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "GIT_WORK_TREE="+filepath.Join(dir, "shop")+" git checkout -f")
	assert.Contains(t, content, "cd "+filepath.Join(dir, "shop")+"\n")
	assert.Contains(t, content, "        propel deploy -w\n")

	info, err := os.Stat(hook)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// a second update keeps the previous hook
	require.NoError(t, g.UpdatePostReceiveHook("shop", "make deploy"))
	backup, err := os.ReadFile(hook + "-bk-1700000000")
	require.NoError(t, err)
	assert.Equal(t, content, string(backup))

	data, err = os.ReadFile(hook)
	require.NoError(t, err)
	assert.Contains(t, string(data), "        make deploy\n")
}
