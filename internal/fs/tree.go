package fs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Node types in a file tree.
const (
	NodeFile   = "file"
	NodeFolder = "folder"
)

// TreeNode is one entry of the sidebar file tree.
type TreeNode struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Path     string     `json:"path,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

var treeSkipDirs = map[string]bool{
	"__pycache__":  true,
	"node_modules": true,
	"venv":         true,
	".git":         true,
}

// BuildTree lists root recursively, folders first then files, each alphabetical.
// Dot entries and dependency folders are skipped. A missing root yields an empty tree.
func BuildTree(root string, maxDepth int) []TreeNode {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return []TreeNode{}
	}
	return buildTree(root, maxDepth, 1)
}

func buildTree(dir string, maxDepth, depth int) []TreeNode {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Unreadable directories show up empty
		return []TreeNode{}
	}

	nodes := make([]TreeNode, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || treeSkipDirs[name] {
			continue
		}

		full := filepath.Join(dir, name)
		node := TreeNode{Name: name, Type: NodeFile, Path: full}
		if e.IsDir() {
			node.Type = NodeFolder
			node.Children = []TreeNode{}
			if maxDepth <= 0 || depth < maxDepth {
				node.Children = buildTree(full, maxDepth, depth+1)
			}
		}
		nodes = append(nodes, node)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == NodeFolder
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

// Preview returns up to limit files the walker would ingest, plus whether more exist.
func Preview(w Walker, limit int) ([]FileInfo, bool, error) {
	var files []FileInfo
	truncated := false
	err := w.Walk(func(fi FileInfo) error {
		if limit > 0 && len(files) >= limit {
			truncated = true
			return errStopWalk
		}
		files = append(files, fi)
		return nil
	})
	if err != nil && err != errStopWalk {
		return files, truncated, err
	}
	return files, truncated, nil
}
