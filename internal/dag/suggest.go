package dag

import "sort"

// editDistance computes the Levenshtein distance between a and b, used to
// produce "did you mean …" suggestions for unresolved connection/sink
// names.
func editDistance(a, b string) int {
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
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// suggestionsFor returns candidates from registry keys closest to target by
// edit distance, closest first, truncated to at most max entries. Only
// candidates within a tolerance proportional to the target's length are
// offered — an unrelated name is not a useful suggestion.
func suggestionsFor(target string, candidates []string, max int) []string {
	type scored struct {
		name string
		dist int
	}
	tolerance := len(target)/2 + 2
	var scoredList []scored
	for _, c := range candidates {
		d := editDistance(target, c)
		if d <= tolerance {
			scoredList = append(scoredList, scored{c, d})
		}
	}
	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].dist != scoredList[j].dist {
			return scoredList[i].dist < scoredList[j].dist
		}
		return scoredList[i].name < scoredList[j].name
	})
	out := make([]string, 0, max)
	for i := 0; i < len(scoredList) && i < max; i++ {
		out = append(out, scoredList[i].name)
	}
	return out
}
