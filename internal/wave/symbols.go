package wave

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// SymbolRange is a named top-level declaration's byte span within a file,
// used by the structural-merge predictor and the wave scheduler's
// target_symbols escape hatch (C4/C11).
type SymbolRange struct {
	Name      string
	StartByte uint32
	EndByte   uint32
}

// ExtractGoSymbols parses a Go source file with tree-sitter and returns the
// byte range of every top-level function, method, type, and var/const
// declaration. Best-effort: a parse error yields a nil slice rather than a
// fatal error, since symbol data is optional context for the scheduler.
func ExtractGoSymbols(ctx context.Context, source []byte) []SymbolRange {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil || tree == nil {
		return nil
	}
	root := tree.RootNode()

	var out []SymbolRange
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		name := topLevelName(node, source)
		if name == "" {
			continue
		}
		out = append(out, SymbolRange{
			Name:      name,
			StartByte: node.StartByte(),
			EndByte:   node.EndByte(),
		})
	}
	return out
}

func topLevelName(node *sitter.Node, source []byte) string {
	switch node.Type() {
	case "function_declaration", "method_declaration":
		if n := node.ChildByFieldName("name"); n != nil {
			return n.Content(source)
		}
	case "type_declaration":
		for i := 0; i < int(node.ChildCount()); i++ {
			spec := node.Child(i)
			if spec.Type() == "type_spec" {
				if n := spec.ChildByFieldName("name"); n != nil {
					return n.Content(source)
				}
			}
		}
	case "var_declaration", "const_declaration":
		for i := 0; i < int(node.ChildCount()); i++ {
			spec := node.Child(i)
			if spec.Type() == "var_spec" || spec.Type() == "const_spec" {
				if n := spec.ChildByFieldName("name"); n != nil {
					return n.Content(source)
				}
			}
		}
	}
	return ""
}
