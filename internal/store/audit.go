package store

import (
	"context"
	"encoding/json"
	"fmt"

	"questpay/internal/models"
)

// AppendAudit adds an append-only audit row. Callers treat failures as
// best-effort: the operation being audited is never rolled back because the
// sink failed.
func (s *Store) AppendAudit(ctx context.Context, entityType, entityID, actorID, eventType string, payload map[string]any) error {
	if actorID == "" {
		actorID = "system"
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, actor_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, entityType, entityID, actorID, eventType, payloadJSON)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAudit returns audit events for an entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, actor_id, event_type, payload, recorded_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.ActorID, &e.EventType, &payloadJSON, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
