package agent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// LoadGuidelines reads the repo's GUIDELINES.md (falling back to
// ".<appdir>/GUIDELINES.md") and renders it to plain text via a goldmark
// AST walk, stripping headings/emphasis/list markers so the result drops
// cleanly into a "<guidelines>" prompt block. Returns "" with no error if
// neither file exists.
func LoadGuidelines(repoRoot, appDir string) (string, error) {
	candidates := []string{
		filepath.Join(repoRoot, "GUIDELINES.md"),
		filepath.Join(repoRoot, "."+appDir, "GUIDELINES.md"),
	}
	var src []byte
	for _, c := range candidates {
		b, err := os.ReadFile(c) // #nosec G304 -- repo-local path, not external input
		if err == nil {
			src = b
			break
		}
	}
	if src == nil {
		return "", nil
	}
	return renderPlainText(src), nil
}

// renderPlainText walks a parsed markdown AST, emitting text-node content
// and a blank line after each block-level node closes.
func renderPlainText(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	var sb strings.Builder

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			switch v := n.(type) {
			case *ast.Text:
				sb.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteByte('\n')
				}
			case *ast.CodeBlock:
				writeLines(&sb, v.Lines(), src)
			case *ast.FencedCodeBlock:
				writeLines(&sb, v.Lines(), src)
			}
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindParagraph, ast.KindHeading, ast.KindListItem,
			ast.KindCodeBlock, ast.KindFencedCodeBlock, ast.KindBlockquote:
			sb.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}

func writeLines(sb *strings.Builder, lines *text.Segments, src []byte) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
}
