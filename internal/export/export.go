// Package export writes listing snapshots to files an analyst can open
// directly, in CSV or XLSX form.
package export

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/plotpoint/auction-cli/internal/model"
)

// listingColumns defines the ordered output columns for both formats.
var listingColumns = []string{
	"External ID",
	"Title",
	"City",
	"Address",
	"Category",
	"Status",
	"Price (PLN)",
	"Opening Value (PLN)",
	"Margin (PLN)",
	"Auction Date",
	"Bailiff Office",
	"Land Area (m2)",
	"Land Area (ha)",
	"Land Type",
	"Ownership",
	"Ownership Share",
	"Utilities",
	"Geocode Status",
	"Latitude",
	"Longitude",
	"First Seen",
	"Last Seen",
}

// WriteCSV writes listings as a CSV file with a header row.
func WriteCSV(listings []model.Listing, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create csv file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(listingColumns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}

	for _, l := range listings {
		if err := w.Write(listingRow(l)); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}

	return nil
}

// WriteXLSX writes listings as a single-sheet XLSX workbook.
func WriteXLSX(listings []model.Listing, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Listings")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range listingColumns {
		header.AddCell().SetString(col)
	}

	for _, l := range listings {
		row := sheet.AddRow()
		for _, v := range listingRow(l) {
			row.AddCell().SetString(v)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save xlsx")
	}
	return nil
}

// listingRow maps a Listing to one output row, in listingColumns order.
func listingRow(l model.Listing) []string {
	return []string{
		l.ExternalID,
		l.Title,
		l.RawCity,
		l.RawAddress,
		string(l.Category),
		l.Status,
		formatAmount(l.Price),
		formatAmount(l.OpeningValue),
		formatAmount(l.Margin),
		formatDate(l.AuctionDate),
		l.BailiffOffice,
		formatArea(l.LandAreaM2),
		formatArea(l.LandAreaHa),
		l.LandType,
		l.OwnershipForm,
		l.OwnershipShare,
		strings.Join(l.Utilities, "; "),
		string(l.GeocodeStatus),
		formatCoord(l.Latitude),
		formatCoord(l.Longitude),
		l.FirstSeenAt.UTC().Format(time.RFC3339),
		l.LastSeenAt.UTC().Format(time.RFC3339),
	}
}

// formatAmount renders a money amount with two decimals, leaving zero empty.
func formatAmount(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// formatArea renders an area in its shortest form, leaving zero empty.
func formatArea(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatCoord renders a coordinate with six decimals, or empty when unset.
func formatCoord(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 6, 64)
}

// formatDate renders a date only, or empty when unset.
func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
