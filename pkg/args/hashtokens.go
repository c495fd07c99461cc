package args

import "strings"

// HashToken is one (tag, value) pair contributed to the hash builder for
// a single normalized argument, per spec.md §4.I: "each argument is
// hashed as a delimited pair (tag \"arg\", value). For options that take
// an argument, the value is hashed as a separate delimited pair."
type HashToken struct {
	Tag   string
	Value string
}

// HashTokens flattens v's common and cpp vectors into the delimited
// (tag, value) pairs the hash builder feeds into pkg/digest.Hasher,
// applying spec.md §4.H's presence-only rule for the *-prefix-map=
// family: their value is never part of the hash, only the fact that one
// was given (already recorded on Flags.DebugPrefixMapPresent).
func HashTokens(v *Vectors) []HashToken {
	var tokens []HashToken

	appendVector := func(args []string) {
		for _, a := range args {
			if isPrefixMapArg(a) {
				continue
			}
			tokens = append(tokens, HashToken{Tag: "arg", Value: a})
		}
	}

	appendVector(v.Common)
	appendVector(v.Cpp)

	return tokens
}

func isPrefixMapArg(a string) bool {
	return strings.HasPrefix(a, "-fdebug-prefix-map=") ||
		strings.HasPrefix(a, "-ffile-prefix-map=") ||
		strings.HasPrefix(a, "-fmacro-prefix-map=")
}
