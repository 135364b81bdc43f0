package classifier

// Suggest returns the candidates within maxDistance edits of input, closest
// first. Distance is Damerau-Levenshtein (insert, delete, substitute,
// adjacent transposition all cost 1), which forgives the common
// fat-finger cases a plain Levenshtein penalizes twice.
func Suggest(input string, candidates []string, maxDistance int) []string {
	type scored struct {
		name string
		dist int
	}
	var close []scored
	for _, candidate := range candidates {
		if d := editDistance(input, candidate); d <= maxDistance {
			close = append(close, scored{candidate, d})
		}
	}
	for i := 1; i < len(close); i++ {
		for j := i; j > 0 && close[j].dist < close[j-1].dist; j-- {
			close[j], close[j-1] = close[j-1], close[j]
		}
	}
	out := make([]string, 0, len(close))
	for _, s := range close {
		out = append(out, s.name)
	}
	return out
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev2 := make([]int, lb+1)
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
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				if t := prev2[j-2] + 1; t < cur[j] {
					cur[j] = t
				}
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
