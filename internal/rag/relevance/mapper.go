package relevance

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Status describes why a relevance set has the sources it has.
type Status string

const (
	StatusMatched            Status = "matched"
	StatusNoMatch            Status = "no_match"
	StatusCatalogUnavailable Status = "catalog_unavailable"
)

// Stage names the mapper pass that produced a match.
type Stage string

const (
	StageNone       Stage = ""
	StageExact      Stage = "exact"
	StageNormalized Stage = "normalized"
	StageFuzzy      Stage = "fuzzy"
)

// Set is the relevance set of one sample against one index.
type Set struct {
	Sources []string `json:"sources"`
	Status  Status   `json:"status"`
	Stage   Stage    `json:"stage,omitempty"`
}

// Contains reports whether source is in the set.
func (s Set) Contains(source string) bool {
	i := sort.SearchStrings(s.Sources, source)
	return i < len(s.Sources) && s.Sources[i] == source
}

// Merge unions several sets. The result is unavailable only when every input
// is unavailable.
func Merge(sets ...Set) Set {
	var sources []string
	status := StatusCatalogUnavailable
	var stage Stage
	for _, s := range sets {
		sources = append(sources, s.Sources...)
		switch s.Status {
		case StatusMatched:
			status = StatusMatched
			if stage == StageNone {
				stage = s.Stage
			}
		case StatusNoMatch:
			if status == StatusCatalogUnavailable {
				status = StatusNoMatch
			}
		}
	}
	if len(sets) == 0 {
		status = StatusNoMatch
	}
	return Set{Sources: uniqueSorted(sources), Status: status, Stage: stage}
}

// MapperConfig configures the fuzzy pass.
type MapperConfig struct {
	Threshold float64 // minimum score on a 0-100 scale
	Method    string  // token_set, token_sort or ratio
	Limit     int     // max fuzzy candidates, 0 keeps every match
}

// DefaultMapperConfig returns the default mapper configuration.
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{
		Threshold: 80,
		Method:    MethodTokenSet,
		Limit:     0,
	}
}

// Mapper resolves case names to catalog sources. It is safe for concurrent use.
type Mapper struct {
	cfg    MapperConfig
	scorer Scorer

	mu    sync.Mutex
	cache map[cacheKey]Set
}

type cacheKey struct {
	sampleID string
	index    string
}

// NewMapper creates a Mapper.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	scorer, err := ScorerFor(cfg.Method)
	if err != nil {
		return nil, err
	}
	return &Mapper{
		cfg:    cfg,
		scorer: scorer,
		cache:  make(map[cacheKey]Set),
	}, nil
}

// Lookup returns the relevance set for a sample, computing it once per
// (sample, index) for the lifetime of the mapper.
func (m *Mapper) Lookup(sampleID, caseName string, catalog Catalog) Set {
	key := cacheKey{sampleID: sampleID, index: catalog.Index}

	m.mu.Lock()
	if set, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return set
	}
	m.mu.Unlock()

	set := m.Map(caseName, catalog)

	m.mu.Lock()
	m.cache[key] = set
	m.mu.Unlock()
	return set
}

// Map runs the exact, normalized and fuzzy passes in order and returns the
// first non-empty result.
func (m *Mapper) Map(caseName string, catalog Catalog) Set {
	if !catalog.Available {
		return Set{Sources: []string{}, Status: StatusCatalogUnavailable}
	}

	caseName = strings.TrimSpace(caseName)
	if caseName == "" || len(catalog.Sources) == 0 {
		return Set{Sources: []string{}, Status: StatusNoMatch}
	}

	if matches := exactMatches(caseName, catalog.Sources); len(matches) > 0 {
		return Set{Sources: matches, Status: StatusMatched, Stage: StageExact}
	}

	normCase := NormalizeTitle(caseName)
	if normCase == "" {
		return Set{Sources: []string{}, Status: StatusNoMatch}
	}
	titles := catalog.Titles()

	var normalized []string
	for i, title := range titles {
		if title != "" && title == normCase {
			normalized = append(normalized, catalog.Sources[i])
		}
	}
	if len(normalized) > 0 {
		return Set{Sources: normalized, Status: StatusMatched, Stage: StageNormalized}
	}

	if fuzzy := m.fuzzyMatches(normCase, catalog.Sources, titles); len(fuzzy) > 0 {
		return Set{Sources: fuzzy, Status: StatusMatched, Stage: StageFuzzy}
	}

	return Set{Sources: []string{}, Status: StatusNoMatch}
}

type scoredSource struct {
	source string
	score  float64
}

func (m *Mapper) fuzzyMatches(normCase string, sources, titles []string) []string {
	var hits []scoredSource
	for i, title := range titles {
		if title == "" {
			continue
		}
		if score := m.scorer(normCase, title); score >= m.cfg.Threshold {
			hits = append(hits, scoredSource{source: sources[i], score: score})
		}
	}

	if m.cfg.Limit > 0 && len(hits) > m.cfg.Limit {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].score != hits[j].score {
				return hits[i].score > hits[j].score
			}
			return hits[i].source < hits[j].source
		})
		hits = hits[:m.cfg.Limit]
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.source
	}
	sort.Strings(out)
	return out
}

func exactMatches(caseName string, sources []string) []string {
	needle := collapse(strings.ToLower(caseName))
	var out []string
	for _, src := range sources {
		if strings.Contains(collapse(strings.ToLower(src)), needle) {
			out = append(out, src)
		}
	}
	return out
}

var (
	separatorRe = regexp.MustCompile(`[-_]+`)
	nonWordRe   = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	extensionRe = regexp.MustCompile(`^\.[A-Za-z0-9]{1,5}$`)

	titleStopwords = map[string]bool{
		"vs": true, "v": true, "and": true, "the": true, "of": true, "&": true,
		"vs.": true, "v.": true, "state": true, "union": true, "or": true,
	}
)

// NormalizeTitle reduces a case name or source identifier to comparable
// tokens: path directory and file extension removed, lowercased, separators
// and punctuation turned into spaces, and common party words dropped.
func NormalizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, `/\`) {
		s = path.Base(strings.ReplaceAll(s, `\`, "/"))
	}
	if ext := path.Ext(s); ext != "" && extensionRe.MatchString(ext) {
		s = strings.TrimSuffix(s, ext)
	}

	s = strings.ToLower(s)
	s = separatorRe.ReplaceAllString(s, " ")
	s = nonWordRe.ReplaceAllString(s, " ")

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if !titleStopwords[f] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
