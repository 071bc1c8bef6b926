package router

import (
	"math"
	"math/bits"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/ethereum/go-ethereum/common"
)

const maxPrealloc = 1 << 20

/*
Generate expands a token/exchange universe into every cyclic route candidate.

	A -> B -> A       for each beginning token A, other token B and ordered pair of distinct dexes
	A -> B -> C -> A  for each beginning token A, unordered pair {B, C} of other tokens walked
	                  both ways (B then C, C then B) and ordered triple of distinct dexes

The output is materialized and deterministic for a given input order. The generator does not
bound its output; callers check CountCandidates before persisting a larger universe.
Duplicate addresses in the input are collapsed, first occurrence wins.
*/
func Generate(dexes []models.Dex, tokens []models.Token) []models.RoutePath {
	dexes = uniqueDexes(dexes)
	beginning, others := partitionTokens(tokens)

	routes := make([]models.RoutePath, 0, min(CountCandidates(len(beginning), len(others), len(dexes)), maxPrealloc))

	// 2-hop: A -> B -> A
	pairs := permutations(len(dexes), 2)
	for _, start := range beginning {
		for _, inter := range others {
			for _, p := range pairs {
				first, second := dexes[p[0]], dexes[p[1]]
				routes = append(routes, models.RoutePath{Hops: []models.Hop{
					newHop(first, start, inter),
					newHop(second, inter, start),
				}})
			}
		}
	}

	// 3-hop: A -> B -> C -> A
	triples := permutations(len(dexes), 3)
	tokenPairs := combinations(len(others), 2)
	for _, start := range beginning {
		for _, tp := range tokenPairs {
			walks := [2][2]common.Address{
				{others[tp[0]], others[tp[1]]},
				{others[tp[1]], others[tp[0]]},
			}
			for _, walk := range walks {
				for _, t := range triples {
					routes = append(routes, models.RoutePath{Hops: []models.Hop{
						newHop(dexes[t[0]], start, walk[0]),
						newHop(dexes[t[1]], walk[0], walk[1]),
						newHop(dexes[t[2]], walk[1], start),
					}})
				}
			}
		}
	}

	return routes
}

// CountCandidates returns how many routes Generate emits for n beginning tokens,
// m other tokens and d exchanges: n*m*d(d-1) + 2*n*C(m,2)*d(d-1)(d-2).
// The result saturates at math.MaxInt.
func CountCandidates(n, m, d int) int {
	if n <= 0 || m <= 0 || d < 2 {
		return 0
	}
	total := satMul(n, m, d, d-1)
	if m >= 2 && d >= 3 {
		// 2*C(m,2) == m*(m-1)
		total = satAdd(total, satMul(n, m, m-1, d, d-1, d-2))
	}
	return total
}

func satMul(factors ...int) int {
	product := uint64(1)
	for _, f := range factors {
		hi, lo := bits.Mul64(product, uint64(f))
		if hi != 0 || lo > math.MaxInt {
			return math.MaxInt
		}
		product = lo
	}
	return int(product)
}

func satAdd(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

// CountUniverse is CountCandidates applied to a raw universe, with the same dedupe as Generate.
func CountUniverse(dexes []models.Dex, tokens []models.Token) int {
	beginning, others := partitionTokens(tokens)
	return CountCandidates(len(beginning), len(others), len(uniqueDexes(dexes)))
}

func newHop(dex models.Dex, src, dst common.Address) models.Hop {
	return models.Hop{
		DexType:  dex.Type,
		Dex:      dex.Address,
		SrcToken: src,
		DstToken: dst,
	}
}

func partitionTokens(tokens []models.Token) (beginning, others []common.Address) {
	seen := make(map[common.Address]bool, len(tokens))
	for _, token := range tokens {
		if seen[token.Address] {
			continue
		}
		seen[token.Address] = true
		if token.Priority == models.PriorityBeginning {
			beginning = append(beginning, token.Address)
		} else {
			others = append(others, token.Address)
		}
	}
	return beginning, others
}

func uniqueDexes(dexes []models.Dex) []models.Dex {
	seen := make(map[common.Address]bool, len(dexes))
	out := make([]models.Dex, 0, len(dexes))
	for _, dex := range dexes {
		if seen[dex.Address] {
			continue
		}
		seen[dex.Address] = true
		out = append(out, dex)
	}
	return out
}

// permutations returns every ordered selection of k distinct indexes out of n,
// in lexicographic order.
func permutations(n, k int) [][]int {
	if k > n || k <= 0 {
		return nil
	}
	var out [][]int
	used := make([]bool, n)
	cur := make([]int, 0, k)

	var walk func()
	walk = func() {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			cur = append(cur, i)
			walk()
			cur = cur[:len(cur)-1]
			used[i] = false
		}
	}
	walk()
	return out
}

// combinations returns every unordered selection of k indexes out of n, ascending.
func combinations(n, k int) [][]int {
	if k > n || k <= 0 {
		return nil
	}
	var out [][]int
	cur := make([]int, 0, k)

	var walk func(from int)
	walk = func(from int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := from; i < n; i++ {
			cur = append(cur, i)
			walk(i + 1)
			cur = cur[:len(cur)-1]
		}
	}
	walk(0)
	return out
}
