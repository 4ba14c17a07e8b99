package models

import "time"

// AlertEventType identifies what kind of anomaly raised an alert.
type AlertEventType string

const (
	EventAgentError         AlertEventType = "agent_error"
	EventResourceWarning    AlertEventType = "resource_warning"
	EventFileConflict       AlertEventType = "file_conflict"
	EventSystemOverload     AlertEventType = "system_overload"
	EventManualIntervention AlertEventType = "manual_intervention"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Rank orders levels from least to most severe.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertInfo:
		return 0
	case AlertWarning:
		return 1
	case AlertError:
		return 2
	case AlertCritical:
		return 3
	}
	return -1
}

// Alert is a detected anomaly. Only the resolution fields change after creation.
type Alert struct {
	ID              string         `json:"id"`
	EventType       AlertEventType `json:"event_type"`
	Level           AlertLevel     `json:"level"`
	Timestamp       time.Time      `json:"timestamp"`
	AgentName       *string        `json:"agent_name,omitempty"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Data            map[string]any `json:"data,omitempty"`
	Resolved        bool           `json:"resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
}

// Agent returns the agent name or "" when the alert is system-wide.
func (a *Alert) Agent() string {
	if a.AgentName == nil {
		return ""
	}
	return *a.AgentName
}
