package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/plotpoint/auction-cli/internal/model"
)

// Checksum hashes the mutable listing fields so a re-fetched record can
// be compared without a column-by-column diff. Identity, geocode state
// and timestamps are excluded: two fetches of an unchanged listing must
// produce the same digest.
func Checksum(l *model.Listing) string {
	var auctionDate string
	if l.AuctionDate != nil {
		auctionDate = l.AuctionDate.UTC().Format(time.RFC3339)
	}

	fields := []string{
		l.Title,
		l.RawAddress,
		l.RawCity,
		formatFloat(l.Price),
		formatFloat(l.OpeningValue),
		formatFloat(l.Margin),
		string(l.Category),
		l.Status,
		auctionDate,
		l.BailiffOffice,
		formatFloat(l.LandAreaM2),
		formatFloat(l.LandAreaHa),
		l.LandType,
		l.OwnershipForm,
		l.OwnershipShare,
		strings.Join(l.Utilities, "\x1e"),
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
