package variant

import "strings"

// Chromosomes lists every accepted chromosome token in canonical genome order.
var Chromosomes = []string{
	"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11",
	"12", "13", "14", "15", "16", "17", "18", "19", "20", "21", "22",
	"X", "Y", "M", "MT",
}

var chromIndex = func() map[string]int {
	m := make(map[string]int, len(Chromosomes))
	for i, c := range Chromosomes {
		m[c] = i
	}
	return m
}()

// NormalizeChrom uppercases a chromosome token and strips a leading "chr".
// It does not check the whitelist.
func NormalizeChrom(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if strings.HasPrefix(s, "CHR") {
		s = s[3:]
	}
	return s
}

// KnownChrom reports whether chrom (already normalized) is whitelisted.
func KnownChrom(chrom string) bool {
	_, ok := chromIndex[chrom]
	return ok
}

// ChromOrder returns the genome-order rank of chrom, or -1 if unknown.
func ChromOrder(chrom string) int {
	if i, ok := chromIndex[chrom]; ok {
		return i
	}
	return -1
}
