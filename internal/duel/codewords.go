package duel

import (
	_ "embed"
	"math/rand"
	"strings"
)

//go:embed codewords.txt
var codewordsRaw string

// codewords is the pool of duel codewords, one per line in the
// embedded file.
var codewords = func() []string {
	var out []string
	for _, line := range strings.Split(codewordsRaw, "\n") {
		if w := strings.TrimSpace(line); w != "" {
			out = append(out, w)
		}
	}
	return out
}()

func pickCodeword(rnd *rand.Rand) string {
	return codewords[rnd.Intn(len(codewords))]
}
