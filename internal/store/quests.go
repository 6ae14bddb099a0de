package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"questpay/internal/models"
)

// CreateQuestParams collects inputs required to fund a quest.
type CreateQuestParams struct {
	Name       string
	Currency   string
	UnitAmount int64
	Budget     int64
	Predicates []models.Predicate
	Policy     models.SpendPolicy
}

// CreateQuest inserts a quest with its full budget remaining.
func (s *Store) CreateQuest(ctx context.Context, p CreateQuestParams) (models.Quest, error) {
	if p.UnitAmount <= 0 {
		return models.Quest{}, fmt.Errorf("unit_amount must be positive")
	}
	if p.Budget < p.UnitAmount {
		return models.Quest{}, fmt.Errorf("budget_total must cover at least one payout")
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	predJSON, err := json.Marshal(p.Predicates)
	if err != nil {
		return models.Quest{}, fmt.Errorf("marshal predicates: %w", err)
	}
	policyJSON, err := json.Marshal(p.Policy)
	if err != nil {
		return models.Quest{}, fmt.Errorf("marshal policy: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO quests (id, name, currency, unit_amount, budget_total, budget_remaining, predicates, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
	`, id, p.Name, p.Currency, p.UnitAmount, p.Budget, predJSON, policyJSON, now)
	if err != nil {
		return models.Quest{}, fmt.Errorf("insert quest: %w", err)
	}

	return models.Quest{
		ID:              id,
		Name:            p.Name,
		Currency:        p.Currency,
		UnitAmount:      p.UnitAmount,
		BudgetTotal:     p.Budget,
		BudgetRemaining: p.Budget,
		Predicates:      p.Predicates,
		Policy:          p.Policy,
		CreatedAt:       now,
	}, nil
}

// GetQuest fetches a quest by id.
func (s *Store) GetQuest(ctx context.Context, id string) (models.Quest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, currency, unit_amount, budget_total, budget_remaining, predicates, policy, created_at
		FROM quests WHERE id = $1
	`, id)
	quest, err := scanQuest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Quest{}, fmt.Errorf("quest %s not found: %w", id, err)
	}
	if err != nil {
		return models.Quest{}, fmt.Errorf("scan quest: %w", err)
	}
	return quest, nil
}

func scanQuest(row pgx.Row) (models.Quest, error) {
	var q models.Quest
	var predJSON, policyJSON []byte
	if err := row.Scan(&q.ID, &q.Name, &q.Currency, &q.UnitAmount, &q.BudgetTotal, &q.BudgetRemaining, &predJSON, &policyJSON, &q.CreatedAt); err != nil {
		return models.Quest{}, err
	}
	if err := json.Unmarshal(predJSON, &q.Predicates); err != nil {
		return models.Quest{}, fmt.Errorf("unmarshal predicates: %w", err)
	}
	if err := json.Unmarshal(policyJSON, &q.Policy); err != nil {
		return models.Quest{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	return q, nil
}
