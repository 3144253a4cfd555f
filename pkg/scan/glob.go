// The KEYS command filters stored relation keys with a glob pattern; the following module implements glob matching.
// Glob elements never match across a '/', while DOIs are full of them, so keys are matched as a single element with
// every slash swapped for a look-alike rune.

package scan

import (
	"fmt"
	"iter"
	"strings"

	"github.com/nobletooth/relcache/pkg/utils"
	"v.io/v23/glob"
)

// slashStandIn replaces '/' in both patterns and keys; being a single rune, '?' still matches it once.
const slashStandIn = "∕"

// MatchGlob filters the `pairs` stream down to keys matching the glob `pattern`, e.g. "doi:10.1145/*".
func MatchGlob[K ~string, V any](pattern string, pairs iter.Seq[utils.Pair[K, V]]) (iter.Seq[utils.Pair[K, V]], error) {
	parsedPattern, err := glob.Parse(strings.ReplaceAll(pattern, "/", slashStandIn))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	matcher := parsedPattern.Head()
	return func(yield func(utils.Pair[K, V]) bool) {
		for pair := range pairs {
			if matcher.Match(strings.ReplaceAll(string(pair.Key), "/", slashStandIn)) {
				if !yield(pair) {
					return
				}
			}
		}
	}, nil
}
