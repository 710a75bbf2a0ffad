package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jkaninda/guardian/internal/security"
)

func toLedgerModel(e security.LedgerEntry) LedgerDayModel {
	agents, _ := json.Marshal(e.Agents)
	if e.Agents == nil {
		agents = []byte("{}")
	}
	return LedgerDayModel{
		Date:   e.Date,
		Total:  e.Total,
		Agents: JSONB(agents),
	}
}

func toLedgerDomain(m *LedgerDayModel) security.LedgerEntry {
	var agents map[string]float64
	if len(m.Agents) > 0 {
		_ = json.Unmarshal(m.Agents, &agents)
	}
	if len(agents) == 0 {
		agents = nil
	}
	return security.LedgerEntry{
		Date:   m.Date,
		Total:  m.Total,
		Agents: agents,
	}
}

func toAuditModel(event security.AuditEvent) AuditEventModel {
	params, _ := json.Marshal(event.Parameters)
	if event.Parameters == nil || params == nil {
		params = []byte("{}")
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	return AuditEventModel{
		ID:            id,
		CorrelationID: event.CorrelationID,
		AgentID:       event.AgentID,
		SessionKey:    event.SessionKey,
		Tool:          event.Tool,
		Parameters:    JSONB(params),
		Outcome:       event.Outcome,
		Tier:          event.Tier,
		Risk:          event.Risk,
		Trust:         event.Trust,
		Reason:        event.Reason,
		CostUSD:       event.CostUSD,
		ApprovedBy:    event.ApprovedBy,
		CreatedAt:     event.Timestamp.UTC(),
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	var params map[string]any
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal(m.Parameters, &params)
	}
	if len(params) == 0 {
		params = nil
	}
	return security.AuditEvent{
		ID:            m.ID,
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		AgentID:       m.AgentID,
		SessionKey:    m.SessionKey,
		Tool:          m.Tool,
		Parameters:    params,
		Outcome:       m.Outcome,
		Tier:          m.Tier,
		Risk:          m.Risk,
		Trust:         m.Trust,
		Reason:        m.Reason,
		CostUSD:       m.CostUSD,
		ApprovedBy:    m.ApprovedBy,
	}
}
