package fs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"b.go":              "package b\n",
		"a.go":              "package a\n",
		"pkg/util/util.go":  "package util\n",
		"node_modules/x.js": "x",
		".env":              "SECRET=1",
		"__pycache__/a.pyc": "x",
		"venv/bin/activate": "x",
		"zeta/readme.txt":   "z",
	})

	tree := BuildTree(root, 0)
	require.Len(t, tree, 4)

	assert.Equal(t, "pkg", tree[0].Name)
	assert.Equal(t, NodeFolder, tree[0].Type)
	assert.Equal(t, "zeta", tree[1].Name)
	assert.Equal(t, "a.go", tree[2].Name)
	assert.Equal(t, NodeFile, tree[2].Type)
	assert.Equal(t, filepath.Join(root, "a.go"), tree[2].Path)
	assert.Equal(t, "b.go", tree[3].Name)

	require.Len(t, tree[0].Children, 1)
	util := tree[0].Children[0]
	assert.Equal(t, "util", util.Name)
	require.Len(t, util.Children, 1)
	assert.Equal(t, "util.go", util.Children[0].Name)
}

func TestBuildTreeDepthAndMissingRoot(t *testing.T) {
	root := writeTree(t, map[string]string{"pkg/util/util.go": "package util\n"})

	tree := BuildTree(root, 1)
	require.Len(t, tree, 1)
	assert.Empty(t, tree[0].Children)

	assert.Empty(t, BuildTree(filepath.Join(root, "missing"), 0))
}

func TestPreview(t *testing.T) {
	root := writeTree(t, map[string]string{"a.go": "a", "b.go": "b", "c.go": "c"})
	walker, err := NewFileWalker(WalkOptions{Root: root})
	require.NoError(t, err)

	files, truncated, err := Preview(walker, 2)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.True(t, truncated)

	files, truncated, err = Preview(walker, 10)
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.False(t, truncated)
}
