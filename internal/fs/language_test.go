package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDetectLanguage tests language detection from file paths.
func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"main.go", LangGo},
		{"app.ts", LangTypeScript},
		{"component.tsx", LangTypeScript},
		{"script.js", LangJavaScript},
		{"utils.py", LangPython},
		{"lib.rs", LangRust},
		{"Main.java", LangJava},
		{"main.c", LangC},
		{"main.cpp", LangCPP},
		{"Program.cs", LangCSharp},
		{"app.rb", LangRuby},
		{"index.php", LangPHP},
		{"main.swift", LangSwift},
		{"Main.kt", LangKotlin},
		{"App.scala", LangScala},
		{"script.sh", LangShell},
		{"query.sql", LangSQL},
		{"index.html", LangHTML},
		{"style.css", LangCSS},
		{"data.json", LangJSON},
		{"config.yaml", LangYAML},
		{"config.toml", LangTOML},
		{"README.md", LangMarkdown},
		{"file.xml", LangXML},
		{"notes.txt", LangText},
		{"Makefile", LangShell},
		{"Dockerfile", LangShell},
		{"unknown.xyz", LangUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			lang := DetectLanguage(tt.path)
			assert.Equal(t, tt.expected, lang)
		})
	}
}

// TestIsCodeFile tests code file detection.
func TestIsCodeFile(t *testing.T) {
	assert.True(t, IsCodeFile("main.go"))
	assert.True(t, IsCodeFile("app.ts"))
	assert.True(t, IsCodeFile("utils.py"))
	assert.False(t, IsCodeFile("README.md"))
	assert.False(t, IsCodeFile("data.json"))
	assert.False(t, IsCodeFile("unknown.xyz"))
}

// TestHashContent tests content hashing.
func TestHashContent(t *testing.T) {
	// Same content should produce same hash
	content := []byte("hello world")
	hash1 := HashContent(content)
	hash2 := HashContent(content)
	assert.Equal(t, hash1, hash2)

	// Different content should produce different hash
	hash3 := HashContent([]byte("hello world!"))
	assert.NotEqual(t, hash1, hash3)

	// Hash should be 16 hex characters (64 bits)
	assert.Len(t, hash1, 16)
}

// TestIsBinaryContent tests binary detection.
func TestIsBinaryContent(t *testing.T) {
	// Text content
	assert.False(t, isBinaryContent([]byte("Hello, World!\n")))
	assert.False(t, isBinaryContent([]byte("line1\nline2\tindented")))

	// Binary content (null bytes)
	assert.True(t, isBinaryContent([]byte("hello\x00world")))

	// Empty content
	assert.False(t, isBinaryContent([]byte{}))
}

// TestImportedModules tests import extraction used for dependency expansion.
func TestImportedModules(t *testing.T) {
	t.Run("python", func(t *testing.T) {
		src := "import os\nfrom app.core.embedder import embed\nfrom .utils import x\nimport app.core.rag\n"
		assert.Equal(t, []string{"embedder", "utils", "rag"}, ImportedModules(src, LangPython))
	})

	t.Run("javascript", func(t *testing.T) {
		src := "import React from 'react'\nimport { api } from './lib/api.js'\nconst store = require(\"../store\")\n"
		assert.Equal(t, []string{"api", "store"}, ImportedModules(src, LangJavaScript))
	})

	t.Run("go", func(t *testing.T) {
		src := "package x\n\nimport (\n\t\"fmt\"\n\tlog \"github.com/charmbracelet/log\"\n\t\"example.com/app/internal/store\"\n)\n"
		assert.Equal(t, []string{"log", "store"}, ImportedModules(src, LangGo))
	})

	t.Run("unsupported language", func(t *testing.T) {
		assert.Nil(t, ImportedModules("import foo", LangMarkdown))
	})
}

func TestModuleFileNames(t *testing.T) {
	names := ModuleFileNames("store")
	assert.Contains(t, names, "store.py")
	assert.Contains(t, names, "store.go")
	assert.Contains(t, names, "store.tsx")
}
