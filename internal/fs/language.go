package fs

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Language constants for common programming languages.
const (
	LangGo         = "go"
	LangTypeScript = "typescript"
	LangJavaScript = "javascript"
	LangPython     = "python"
	LangRust       = "rust"
	LangJava       = "java"
	LangC          = "c"
	LangCPP        = "cpp"
	LangCSharp     = "csharp"
	LangRuby       = "ruby"
	LangPHP        = "php"
	LangSwift      = "swift"
	LangKotlin     = "kotlin"
	LangScala      = "scala"
	LangShell      = "shell"
	LangSQL        = "sql"
	LangHTML       = "html"
	LangCSS        = "css"
	LangJSON       = "json"
	LangYAML       = "yaml"
	LangTOML       = "toml"
	LangMarkdown   = "markdown"
	LangXML        = "xml"
	LangText       = "text"
	LangUnknown    = ""
)

// Language detection maps.
var (
	// extToLang maps file extensions to languages.
	extToLang = map[string]string{
		// Go
		".go": LangGo,

		// TypeScript/JavaScript
		".ts":  LangTypeScript,
		".tsx": LangTypeScript,
		".mts": LangTypeScript,
		".cts": LangTypeScript,
		".js":  LangJavaScript,
		".jsx": LangJavaScript,
		".mjs": LangJavaScript,
		".cjs": LangJavaScript,

		// Python
		".py":  LangPython,
		".pyi": LangPython,
		".pyw": LangPython,

		// Rust
		".rs": LangRust,

		// Java
		".java": LangJava,

		// C/C++
		".c":   LangC,
		".h":   LangC,
		".cc":  LangCPP,
		".cpp": LangCPP,
		".cxx": LangCPP,
		".hpp": LangCPP,
		".hxx": LangCPP,

		// C#
		".cs": LangCSharp,

		// Ruby
		".rb":   LangRuby,
		".rake": LangRuby,

		// PHP
		".php": LangPHP,

		// Swift
		".swift": LangSwift,

		// Kotlin
		".kt":  LangKotlin,
		".kts": LangKotlin,

		// Scala
		".scala": LangScala,

		// Shell
		".sh":   LangShell,
		".bash": LangShell,
		".zsh":  LangShell,
		".fish": LangShell,

		// SQL
		".sql": LangSQL,

		// Web
		".html": LangHTML,
		".htm":  LangHTML,
		".css":  LangCSS,
		".scss": LangCSS,
		".sass": LangCSS,
		".less": LangCSS,

		// Data formats
		".json":  LangJSON,
		".jsonc": LangJSON,
		".yaml":  LangYAML,
		".yml":   LangYAML,
		".toml":  LangTOML,
		".xml":   LangXML,

		// Documentation
		".md":       LangMarkdown,
		".markdown": LangMarkdown,
		".txt":      LangText,
		".text":     LangText,
		".rst":      LangText,
	}

	// filenameToLang maps specific filenames to languages.
	filenameToLang = map[string]string{
		"Makefile":      LangShell,
		"makefile":      LangShell,
		"Dockerfile":    LangShell,
		"dockerfile":    LangShell,
		"Rakefile":      LangRuby,
		"Gemfile":       LangRuby,
		"Jenkinsfile":   LangShell,
		".bashrc":       LangShell,
		".zshrc":        LangShell,
		".profile":      LangShell,
		".gitignore":    LangText,
		".gitconfig":    LangText,
		".editorconfig": LangText,
	}
)

// DetectLanguage determines the programming language of a file based on its path.
func DetectLanguage(path string) string {
	filename := filepath.Base(path)

	// Check specific filenames first
	if lang, ok := filenameToLang[filename]; ok {
		return lang
	}

	// Check file extension
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extToLang[ext]; ok {
		return lang
	}

	return LangUnknown
}

// IsCodeFile returns true if the file appears to be source code.
func IsCodeFile(path string) bool {
	lang := DetectLanguage(path)
	switch lang {
	case LangGo, LangTypeScript, LangJavaScript, LangPython, LangRust,
		LangJava, LangC, LangCPP, LangCSharp, LangRuby, LangPHP,
		LangSwift, LangKotlin, LangScala, LangShell, LangSQL:
		return true
	default:
		return false
	}
}

// SupportsCodeChunking returns true if the language supports code-aware chunking.
func SupportsCodeChunking(lang string) bool {
	switch lang {
	case LangGo, LangTypeScript, LangJavaScript, LangPython, LangRust,
		LangJava, LangC, LangCPP, LangCSharp, LangRuby, LangPHP,
		LangSwift, LangKotlin, LangScala:
		return true
	default:
		return false
	}
}

var (
	// from pkg.mod import x / import pkg.mod
	pyImportRe = regexp.MustCompile(`(?m)^\s*(?:from|import)\s+([\w.]+)`)
	// import ... from './x' / require('./x') / import './x'
	jsImportRe = regexp.MustCompile(`(?:from\s+|require\(\s*|import\s+)['"]([^'"]+)['"]`)
	// "github.com/org/repo/pkg" inside an import block or single import
	goImportRe = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([\w./-]+)"\s*$`)
)

var importNoise = map[string]bool{
	"typing": true, "os": true, "sys": true, "json": true, "datetime": true, "re": true, "math": true,
	"react": true, "git": true, "numpy": true, "pandas": true, "fmt": true, "strings": true, "context": true,
	"time": true, "errors": true, "io": true, "sort": true, "sync": true,
}

// ImportedModules returns the final path element of each module imported by content,
// skipping common standard library names.
func ImportedModules(content, lang string) []string {
	var re *regexp.Regexp
	switch lang {
	case LangPython:
		re = pyImportRe
	case LangJavaScript, LangTypeScript:
		re = jsImportRe
	case LangGo:
		re = goImportRe
	default:
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		ref := m[1]
		var name string
		if lang == LangPython {
			parts := strings.Split(strings.Trim(ref, "."), ".")
			name = parts[len(parts)-1]
		} else {
			name = path.Base(ref)
			name = strings.TrimSuffix(name, path.Ext(name))
		}
		if name == "" || name == "." || importNoise[name] || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// ModuleFileNames lists the file names a module name commonly resolves to.
func ModuleFileNames(module string) []string {
	return []string{
		module + ".py",
		module + ".ts",
		module + ".tsx",
		module + ".js",
		module + ".jsx",
		module + ".go",
	}
}
