package proposal

import (
	"context"
	"math"

	"github.com/loomworks/loom/internal/db"
	"github.com/loomworks/loom/internal/model"
)

// Materialize creates one ticket per accepted proposal in a single
// transaction, with priority = round(impact*10 + confidence), per spec.md
// §4.2 stage 11.
func Materialize(ctx context.Context, store *db.Store, projectID string, accepted []model.Proposal) ([]model.Ticket, error) {
	tickets := make([]model.Ticket, 0, len(accepted))

	err := store.WithinNewTransaction(ctx, func(ctx context.Context) error {
		for _, p := range accepted {
			impact := 0.0
			if p.ImpactScore != nil {
				impact = *p.ImpactScore
			}
			t := model.Ticket{
				ProjectID:            projectID,
				Title:                p.Title,
				Description:          p.Description,
				Status:               model.TicketBacklog,
				Priority:             int(math.Round(impact*10 + float64(p.Confidence))),
				Category:             p.Category,
				AllowedPaths:         p.AllowedPaths,
				VerificationCommands: p.VerificationCommands,
				MaxRetries:           2,
				Metadata: map[string]any{
					"targetSymbols":       p.TargetSymbols,
					"scoutConfidence":     p.Confidence,
					"estimatedComplexity": p.EstimatedComplexity,
					"rationale":           p.Rationale,
					"acceptanceCriteria":  p.AcceptanceCriteria,
				},
			}
			if err := store.CreateTicket(ctx, &t); err != nil {
				return err
			}
			tickets = append(tickets, t)
		}
		return nil
	})
	return tickets, err
}
