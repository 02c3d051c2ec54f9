package gitdriver

import "github.com/loomworks/loom/internal/wave"

// StructuralResolve implements spec.md §4.5's structural merge resolver,
// invoked before falling back to the LLM when symbol data exists: split
// base/ours/theirs by symbol ranges into aligned block sequences; if the
// block counts and ordered names don't line up, this isn't a resolvable
// structural case. For each aligned block, accept ours if only ours
// changed, theirs if only theirs changed, base if neither changed; if both
// changed the same block, return (nil, false) — a true conflict.
func StructuralResolve(base, ours, theirs []byte, baseSyms, oursSyms, theirsSyms []wave.SymbolRange) ([]byte, bool) {
	if len(baseSyms) != len(oursSyms) || len(baseSyms) != len(theirsSyms) {
		return nil, false
	}
	for i := range baseSyms {
		if baseSyms[i].Name != oursSyms[i].Name || baseSyms[i].Name != theirsSyms[i].Name {
			return nil, false
		}
	}

	var out []byte
	cursor := 0
	for i := range baseSyms {
		baseBlock := slice(base, baseSyms[i])
		oursBlock := slice(ours, oursSyms[i])
		theirsBlock := slice(theirs, theirsSyms[i])

		oursChanged := !bytesEqual(baseBlock, oursBlock)
		theirsChanged := !bytesEqual(baseBlock, theirsBlock)

		var chosen []byte
		switch {
		case oursChanged && theirsChanged:
			return nil, false
		case oursChanged:
			chosen = oursBlock
		case theirsChanged:
			chosen = theirsBlock
		default:
			chosen = baseBlock
		}
		out = append(out, chosen...)
		cursor = int(baseSyms[i].EndByte)
	}
	_ = cursor
	return out, true
}

func slice(data []byte, r wave.SymbolRange) []byte {
	if int(r.EndByte) > len(data) {
		return nil
	}
	return data[r.StartByte:r.EndByte]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
