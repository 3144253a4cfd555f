package entry

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is the explicit cache identity of an entry. Two keys are equal iff they denote the same logical entry.
type Key string

// Identity derives the cache key of an entry. Implementations must be deterministic and stable across restarts,
// since keys are persisted.
type Identity func(e Entry) Key

var _ Identity = DefaultIdentity

// DefaultIdentity keys an entry by its DOI, falling back to the citation key and finally to a hash of the normalized
// title and year.
func DefaultIdentity(e Entry) Key {
	if doi := normalizeDOI(e.Get(FieldDOI)); doi != "" {
		return Key("doi:" + doi)
	}
	if citationKey := strings.TrimSpace(e.CitationKey); citationKey != "" {
		return Key("key:" + citationKey)
	}
	title := strings.Join(strings.Fields(strings.ToLower(e.Get(FieldTitle))), " ")
	year := strings.TrimSpace(e.Get(FieldYear))
	return Key("hash:" + strconv.FormatUint(xxhash.Sum64String(title+"\x00"+year), 16 /*base*/))
}

// normalizeDOI lower-cases the DOI and strips resolver prefixes, e.g. "https://doi.org/".
func normalizeDOI(doi string) string {
	doi = strings.ToLower(strings.TrimSpace(doi))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/",
		"doi:"} {
		doi = strings.TrimPrefix(doi, prefix)
	}
	return doi
}
