package loader

// levenshtein computes the edit distance between a and b. No pack
// example or ecosystem library offers a standalone Levenshtein
// implementation narrow enough for "suggest the nearest known field
// name" (spec §4.2), so this is justified as stdlib-only in DESIGN.md.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// suggest returns the candidate closest to name (by edit distance),
// or "" if none is close enough to be a useful suggestion.
func suggest(name string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein(name, c)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist < 0 || bestDist > 3 {
		return ""
	}
	return best
}
