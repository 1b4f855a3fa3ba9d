package hookserver

import (
	"path/filepath"
	"regexp"
	"strings"
)

// fileExtensions are the attachment types worth forwarding to a channel.
var fileExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
	".pdf": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".csv": true, ".txt": true, ".md": true, ".log": true,
	".json": true, ".yaml": true, ".yml": true, ".html": true,
}

// absPathPattern matches absolute unix paths with an extension, as they
// appear bare, in backticks, or inside markdown image links.
var absPathPattern = regexp.MustCompile(`/(?:[\w.@+-]+/)*[\w.@+-]+\.[A-Za-z0-9]+`)

var collapseNewlines = regexp.MustCompile(`\n{3,}`)

// ExtractFilePaths returns the deduplicated absolute paths mentioned in
// text that carry a recognized extension and resolve to a location inside
// the project directory.
func ExtractFilePaths(text, projectPath string) []string {
	projectReal, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		projectReal = filepath.Clean(projectPath)
	}

	seen := make(map[string]bool)
	var out []string
	for _, match := range absPathPattern.FindAllString(text, -1) {
		if !fileExtensions[strings.ToLower(filepath.Ext(match))] {
			continue
		}
		real, err := filepath.EvalSymlinks(match)
		if err != nil {
			continue // path must exist to be attachable
		}
		rel, err := filepath.Rel(projectReal, real)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		if !seen[match] {
			seen[match] = true
			out = append(out, match)
		}
	}
	return out
}

// StripFilePaths removes every occurrence of the given paths from text,
// whether bare, backticked, or wrapped in a markdown image, then collapses
// runs of three or more newlines down to two.
func StripFilePaths(text string, paths []string) string {
	for _, p := range paths {
		quoted := regexp.QuoteMeta(p)
		for _, pattern := range []string{
			`!\[[^\]]*\]\(` + quoted + `\)`, // markdown image
			"`" + quoted + "`",              // backticked
			quoted,                          // bare
		} {
			text = regexp.MustCompile(pattern).ReplaceAllString(text, "")
		}
	}
	text = collapseNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
