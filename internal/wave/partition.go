package wave

// Wave is a conflict-free subset of a cycle's candidates runnable in
// parallel; waves execute sequentially.
type Wave []Candidate

// Partition greedily first-fit bin-packs candidates into waves: each
// candidate goes into the first existing wave where it conflicts with no
// member, else starts a new wave.
func Partition(candidates []Candidate, sensitivity Sensitivity, edges DependencyEdges) []Wave {
	var waves []Wave

	for _, c := range candidates {
		placed := false
		for i := range waves {
			if !conflictsWithAny(c, waves[i], sensitivity, edges) {
				waves[i] = append(waves[i], c)
				placed = true
				break
			}
		}
		if !placed {
			waves = append(waves, Wave{c})
		}
	}
	return waves
}

func conflictsWithAny(c Candidate, w Wave, sensitivity Sensitivity, edges DependencyEdges) bool {
	for _, member := range w {
		if Conflict(c, member, sensitivity, edges) {
			return true
		}
	}
	return false
}
