package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

// Review applies a terminal decision to a CANDIDATE card. Approval bands
// the card with its derived severity; rejection records no severity.
func Review(ctx context.Context, st store.Store, cardID string, approve bool) (*model.DiscoveryCard, error) {
	card, err := st.GetDiscoveryCard(ctx, cardID)
	if err != nil {
		return nil, err
	}

	status := model.DiscoveryStatusRejected
	severity := ""
	if approve {
		status = model.DiscoveryStatusApproved
		severity = DeriveSeverity(*card)
	}

	if err := st.UpdateDiscoveryCardStatus(ctx, cardID, status, severity); err != nil {
		return nil, err
	}

	card.Status = status
	card.Severity = severity
	zap.L().Info("discovery: card reviewed",
		zap.String("card_id", cardID),
		zap.String("phrase", card.Phrase),
		zap.String("status", string(status)),
		zap.String("severity", severity),
	)
	return card, nil
}
