package discovery

import "github.com/sells-group/retention-cli/internal/model"

// Severity bands for reviewed cards.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"
)

// DeriveSeverity bands a card by the strength of its statistical signal.
func DeriveSeverity(card model.DiscoveryCard) string {
	if card.PValue < 0.01 && card.FDR < 0.02 && (card.Lift >= 2 || card.OddsRatio >= 3) {
		return SeverityHigh
	}
	if card.PValue < 0.05 && (card.Lift >= 1.6 || card.OddsRatio >= 2) {
		return SeverityMedium
	}
	return SeverityLow
}
