// Package normalize canonicalizes raw city names into stable cache keys.
// Source data writes the same town a dozen ways ("Gmina Kraków", "KRAKÓW",
// "krakow"); everything downstream keys on the canonical form.
package normalize

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Normalizer applies the active table snapshot to raw city names. The
// snapshot is swapped atomically on reload so concurrent readers never
// observe a half-updated table.
type Normalizer struct {
	sources Sources
	tables  atomic.Pointer[Tables]
}

// New builds a Normalizer from the built-in tables overlaid with the
// configured source files. A configured file that cannot be read is a
// startup error.
func New(src Sources) (*Normalizer, error) {
	n := &Normalizer{sources: src}
	if err := n.Reload(); err != nil {
		return nil, err
	}
	return n, nil
}

// Normalize returns the canonical key for a raw city value.
func (n *Normalizer) Normalize(raw string) string {
	return n.tables.Load().Canonical(raw)
}

// Reload re-reads the source files and publishes a fresh snapshot. On
// error the previous snapshot stays active.
func (n *Normalizer) Reload() error {
	tables, err := loadTables(n.sources)
	if err != nil {
		return err
	}
	n.tables.Store(tables)

	d, p, c := tables.Counts()
	zap.L().Info("normalization tables loaded",
		zap.Int("diacritics", d),
		zap.Int("prefixes", p),
		zap.Int("corrections", c))
	return nil
}

// Counts reports the active snapshot's table sizes.
func (n *Normalizer) Counts() (diacritics, prefixes, corrections int) {
	return n.tables.Load().Counts()
}
