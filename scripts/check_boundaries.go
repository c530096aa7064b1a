package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

// layerRule lists what a layer of a context service may import besides the
// standard library.
type layerRule struct {
	name       string
	allowLocal []string
	allowExtra []string
}

// Third-party packages application code may use. Everything else reaches
// application code through ports.
var applicationLibraries = []string{
	"github.com/google/uuid",
	"golang.org/x/sync",
}

func main() {
	root := pflag.String("root", "contexts", "directory holding bounded contexts")
	modulePath := pflag.String("module", "pollcast", "go module path")
	pflag.Parse()

	violations := collectViolations(*root, *modulePath)
	if len(violations) == 0 {
		fmt.Println("boundary checks passed")
		return
	}

	fmt.Println("boundary violations found:")
	for _, v := range violations {
		fmt.Printf("- %s:%d imports %q (%s)\n", v.File, v.Line, v.Import, v.Rule)
	}
	os.Exit(1)
}

func collectViolations(root string, modulePath string) []violation {
	var violations []violation

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 3 {
			return nil
		}

		servicePrefix := fmt.Sprintf("%s/contexts/%s/%s", modulePath, parts[0], parts[1])
		violations = append(violations, validateFile(path, filepath.ToSlash(path), parts[2], servicePrefix, modulePath)...)
		return nil
	})

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].File == violations[j].File {
			if violations[i].Line == violations[j].Line {
				return violations[i].Import < violations[j].Import
			}
			return violations[i].Line < violations[j].Line
		}
		return violations[i].File < violations[j].File
	})
	return violations
}

func rulesFor(layer string, servicePrefix string, modulePath string) (layerRule, bool) {
	switch layer {
	case "domain":
		return layerRule{
			name:       "domain",
			allowLocal: []string{servicePrefix + "/domain"},
		}, true
	case "ports":
		return layerRule{
			name:       "ports",
			allowLocal: []string{servicePrefix + "/domain", servicePrefix + "/ports", modulePath + "/internal/shared"},
		}, true
	case "application":
		return layerRule{
			name: "application",
			allowLocal: []string{
				servicePrefix + "/application",
				servicePrefix + "/domain",
				servicePrefix + "/ports",
				modulePath + "/internal/shared",
			},
			allowExtra: applicationLibraries,
		}, true
	default:
		return layerRule{}, false
	}
}

func validateFile(path string, normalizedPath string, layer string, servicePrefix string, modulePath string) []violation {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
	if err != nil {
		return []violation{{File: normalizedPath, Line: 1, Rule: "file must parse"}}
	}

	rule, layered := rulesFor(layer, servicePrefix, modulePath)
	var violations []violation
	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, "\"")
		line := fset.Position(imp.Pos()).Line

		if hasPrefix(importPath, modulePath+"/contexts") && !hasPrefix(importPath, servicePrefix) {
			violations = append(violations, violation{
				File:   normalizedPath,
				Line:   line,
				Import: importPath,
				Rule:   "cross-module imports are forbidden",
			})
		}
		if !layered || isStdlib(importPath, modulePath) {
			continue
		}

		switch {
		case strings.Contains(importPath, "/adapters/") || strings.HasSuffix(importPath, "/adapters"):
			violations = append(violations, violation{
				File:   normalizedPath,
				Line:   line,
				Import: importPath,
				Rule:   rule.name + " must not import adapters",
			})
		case hasPrefix(importPath, modulePath+"/internal/platform") || hasPrefix(importPath, modulePath+"/internal/app"):
			violations = append(violations, violation{
				File:   normalizedPath,
				Line:   line,
				Import: importPath,
				Rule:   rule.name + " must not import runtime infrastructure",
			})
		case !isAllowed(importPath, rule.allowLocal) && !isAllowed(importPath, rule.allowExtra):
			violations = append(violations, violation{
				File:   normalizedPath,
				Line:   line,
				Import: importPath,
				Rule:   rule.name + " import is outside explicit allowlist",
			})
		}
	}
	return violations
}

func hasPrefix(path string, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isAllowed(importPath string, allowedPrefixes []string) bool {
	for _, p := range allowedPrefixes {
		if hasPrefix(importPath, p) {
			return true
		}
	}
	return false
}

func isStdlib(importPath string, modulePath string) bool {
	if hasPrefix(importPath, modulePath) {
		return false
	}
	first := importPath
	if idx := strings.Index(first, "/"); idx != -1 {
		first = first[:idx]
	}
	return !strings.Contains(first, ".")
}
