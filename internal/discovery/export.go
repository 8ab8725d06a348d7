package discovery

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

// ExportWorkbook writes discovery cards to an XLSX review workbook, one row
// per card with a derived severity column for triage sorting.
func ExportWorkbook(ctx context.Context, st store.Store, filter store.DiscoveryCardFilter, path string) (int, error) {
	cards, err := st.ListDiscoveryCards(ctx, filter)
	if err != nil {
		return 0, err
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Discovery Cards")
	if err != nil {
		return 0, eris.Wrap(err, "discovery: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{
		"Phrase", "Support", "Closed Lift", "Odds Ratio", "P-Value", "FDR",
		"Severity", "Status", "Run ID", "Examples",
	} {
		header.AddCell().Value = h
	}

	for _, card := range cards {
		row := sheet.AddRow()
		row.AddCell().Value = card.Phrase
		row.AddCell().SetInt(card.Support)
		row.AddCell().SetFloat(card.Lift)
		row.AddCell().SetFloat(card.OddsRatio)
		row.AddCell().SetFloat(card.PValue)
		row.AddCell().SetFloat(card.FDR)
		row.AddCell().Value = severityFor(card)
		row.AddCell().Value = string(card.Status)
		row.AddCell().Value = card.RunID
		row.AddCell().Value = strings.Join(card.Examples, "\n")
	}

	if err := file.Save(path); err != nil {
		return 0, eris.Wrapf(err, "discovery: save workbook %s", path)
	}

	zap.L().Info("discovery: workbook exported",
		zap.String("path", path),
		zap.Int("cards", len(cards)),
	)
	return len(cards), nil
}

// severityFor uses the stored severity when review assigned one, otherwise
// the derived band.
func severityFor(card model.DiscoveryCard) string {
	if card.Severity != "" {
		return card.Severity
	}
	return DeriveSeverity(card)
}
