package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"credentials": {"file", "scopes", "watch"},
	"api":         {"base_url", "upload_base_url", "user_agent", "request_timeout"},
	"token":       {"min_refresh_interval", "cache_dir", "persist"},
	"batch":       {"max_operations"},
	"upload":      {"chunk_size", "bandwidth_limit", "session_db"},
	"poll":        {"interval", "timeout", "initial_backoff", "watch_interval"},
	"workers":     {"max_concurrency", "max_retries", "retry_backoff"},
	"logging":     {"log_level", "log_format"},
	"metrics":     {"listen_addr"},
}

// knownSections is the sorted list of section names, sorted for
// deterministic suggestions when two candidates tie.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for name := range knownKeys {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		id, err := unknownKeyError(key)
		if err == nil || reported[id] {
			continue
		}

		reported[id] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. The returned id collapses
// every key below an unknown section into a single report.
func unknownKeyError(key toml.Key) (string, error) {
	if len(key) == 0 {
		return "", nil
	}

	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		return section, suggest(fmt.Sprintf("unknown config section %q", section), section, knownSections)
	}

	if len(key) == 1 {
		return section, fmt.Errorf("config key %q must be a table", section)
	}

	field := key[1]
	sorted := slices.Sorted(slices.Values(keys))

	return strings.Join(key[:2], "."),
		suggest(fmt.Sprintf("unknown config key %q in [%s]", field, section), field, sorted)
}

func suggest(msg, unknown string, known []string) error {
	if s := closestMatch(unknown, known); s != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, s)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row buffer pair.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
