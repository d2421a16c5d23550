package game

import "math/rand/v2"

// BuildAssignments computes the chain×turn table deciding which member acts
// on which chain each turn. The member list is shuffled once, then rotated
// left by one position per turn, so every row (turn) and every column
// (chain) is a permutation of the members: nobody acts twice in one turn,
// and every member touches every chain exactly once.
func BuildAssignments(memberIDs []string) [][]string {
	n := len(memberIDs)
	base := make([]string, n)
	copy(base, memberIDs)
	rand.Shuffle(n, func(i, j int) {
		base[i], base[j] = base[j], base[i]
	})

	byTurn := make([][]string, n)
	for t := 0; t < n; t++ {
		rotated := make([]string, n)
		for i := 0; i < n; i++ {
			rotated[i] = base[(i+t)%n]
		}
		byTurn[t] = rotated
	}

	// Transpose turn-major into chain-major.
	byChain := make([][]string, n)
	for c := 0; c < n; c++ {
		seq := make([]string, n)
		for t := 0; t < n; t++ {
			seq[t] = byTurn[t][c]
		}
		byChain[c] = seq
	}
	return byChain
}
