package normalize

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Tables is an immutable snapshot of the three lookup tables used by
// Canonical. Snapshots are built once and swapped whole, never mutated.
type Tables struct {
	diacritics  map[rune]rune
	prefixes    map[string]bool
	corrections map[string]string
}

// defaultDiacritics maps Polish diacritic characters to their ASCII folds.
var defaultDiacritics = map[string]string{
	"ą": "a",
	"ć": "c",
	"ę": "e",
	"ł": "l",
	"ń": "n",
	"ó": "o",
	"ś": "s",
	"ź": "z",
	"ż": "z",
}

// defaultPrefixes lists administrative qualifiers that precede the actual
// city name in source data ("gmina Kleszczewo", "m.st. Warszawa").
var defaultPrefixes = []string{
	"gmina", "gm.",
	"miasto", "m.", "m.st.",
	"powiat", "pow.",
	"województwo", "woj.",
}

// defaultCorrections maps misspellings seen in auction postings to their
// canonical (already folded) forms.
var defaultCorrections = map[string]string{
	"warszewa":  "warszawa",
	"wroclav":   "wroclaw",
	"krakuw":    "krakow",
	"rzeszuw":   "rzeszow",
	"bydgosz":   "bydgoszcz",
	"szczeczin": "szczecin",
}

// DefaultTables builds a snapshot from the built-in tables only.
func DefaultTables() *Tables {
	return buildTables(defaultDiacritics, defaultPrefixes, defaultCorrections)
}

// buildTables lowercases and diacritic-folds the prefix and correction
// tables so every lookup happens in the same key space Canonical works in.
func buildTables(diacritics map[string]string, prefixes []string, corrections map[string]string) *Tables {
	t := &Tables{
		diacritics:  make(map[rune]rune, len(diacritics)),
		prefixes:    make(map[string]bool, len(prefixes)),
		corrections: make(map[string]string, len(corrections)),
	}

	for from, to := range diacritics {
		fr, _ := utf8.DecodeRuneInString(from)
		tr, _ := utf8.DecodeRuneInString(to)
		t.diacritics[fr] = tr
	}
	for _, p := range prefixes {
		t.prefixes[t.fold(strings.ToLower(p))] = true
	}
	for from, to := range corrections {
		t.corrections[t.fold(strings.ToLower(from))] = t.fold(strings.ToLower(to))
	}
	return t
}

func (t *Tables) fold(s string) string {
	return strings.Map(func(r rune) rune {
		if repl, ok := t.diacritics[r]; ok {
			return repl
		}
		return r
	}, s)
}

// Canonical turns a raw city value into the canonical cache key. Steps,
// in fixed order: lowercase and trim, fold diacritics, drop leading
// administrative-prefix tokens, then apply the corrections table as an
// exact match on the result. Pure: no I/O, identical input gives
// identical output.
func (t *Tables) Canonical(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	s = t.fold(s)

	tokens := strings.Fields(s)
	for len(tokens) > 0 && t.prefixes[tokens[0]] {
		tokens = tokens[1:]
	}
	s = strings.Join(tokens, " ")

	if fixed, ok := t.corrections[s]; ok {
		return fixed
	}
	return s
}

// Counts reports the table sizes, for reload logging.
func (t *Tables) Counts() (diacritics, prefixes, corrections int) {
	return len(t.diacritics), len(t.prefixes), len(t.corrections)
}

// Sources names the optional external table files. An empty path means
// the built-in defaults for that table; a configured path that cannot be
// read fails the load.
type Sources struct {
	CorrectionsPath string
	DiacriticsPath  string
	PrefixesPath    string
}

// loadTables builds a snapshot from the defaults overlaid with whatever
// the configured files provide. Malformed entries inside a file are
// skipped with a warning; an unreadable configured file is an error.
func loadTables(src Sources) (*Tables, error) {
	diacritics := make(map[string]string, len(defaultDiacritics))
	for k, v := range defaultDiacritics {
		diacritics[k] = v
	}
	prefixes := append([]string(nil), defaultPrefixes...)
	corrections := make(map[string]string, len(defaultCorrections))
	for k, v := range defaultCorrections {
		corrections[k] = v
	}

	if src.DiacriticsPath != "" {
		loaded, err := loadStringMap(src.DiacriticsPath)
		if err != nil {
			return nil, eris.Wrap(err, "normalize: load diacritics table")
		}
		for k, v := range loaded {
			if utf8.RuneCountInString(k) != 1 || utf8.RuneCountInString(v) != 1 {
				zap.L().Warn("skipping malformed diacritic entry",
					zap.String("file", src.DiacriticsPath),
					zap.String("from", k),
					zap.String("to", v))
				continue
			}
			diacritics[k] = v
		}
	}

	if src.PrefixesPath != "" {
		loaded, err := loadStringList(src.PrefixesPath)
		if err != nil {
			return nil, eris.Wrap(err, "normalize: load prefixes table")
		}
		prefixes = append(prefixes, loaded...)
	}

	if src.CorrectionsPath != "" {
		loaded, err := loadStringMap(src.CorrectionsPath)
		if err != nil {
			return nil, eris.Wrap(err, "normalize: load corrections table")
		}
		for k, v := range loaded {
			corrections[k] = v
		}
	}

	return buildTables(diacritics, prefixes, corrections), nil
}

// loadStringMap reads a YAML file whose document is a flat map. Entries
// with non-string or empty keys/values are skipped with a warning.
func loadStringMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(s) == "" {
			zap.L().Warn("skipping malformed table entry",
				zap.String("file", path),
				zap.String("key", k),
				zap.Any("value", v))
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(s)
	}
	return out, nil
}

// loadStringList reads a YAML file whose document is a flat list.
// Non-string or empty items are skipped with a warning.
func loadStringList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}

	var raw []any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}

	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			zap.L().Warn("skipping malformed table entry",
				zap.String("file", path),
				zap.Int("index", i),
				zap.Any("value", v))
			continue
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out, nil
}
