package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/monitor"
)

func calm() *monitor.ResourceSnapshot {
	return &monitor.ResourceSnapshot{CPU: 10, Memory: 20, Disk: 30, Load1: 0.5}
}

func TestScore_HealthySystem(t *testing.T) {
	s := NewScorer(monitor.DefaultThresholds())

	report := &monitor.HealthReport{Resources: calm()}
	repo := &git.SafetyStatus{Branch: "agent/alpha/1", HookInstalled: true, BackupCount: 2}

	h := s.Score(report, repo)

	assert.Equal(t, 30, h.Resources, "calm host should get full resource points")
	assert.Equal(t, 25, h.Alerts, "no alerts = full points")
	assert.Equal(t, 15, h.Control)
	assert.Equal(t, 30, h.Repository)
	assert.Equal(t, 100, h.Total)
}

func TestScore_UnhealthySystem(t *testing.T) {
	s := NewScorer(monitor.DefaultThresholds())

	report := &monitor.HealthReport{
		Resources: &monitor.ResourceSnapshot{CPU: 95, Memory: 20, Disk: 30},
		SafeMode:  true,
		UnresolvedAlerts: []*models.Alert{
			{Level: models.AlertCritical},
			{Level: models.AlertError},
			{Level: models.AlertWarning},
		},
	}
	repo := &git.SafetyStatus{Branch: "main", OnProtectedBranch: true, Dirty: true}

	h := s.Score(report, repo)

	assert.Equal(t, 0, h.Resources, "critical CPU = no resource points")
	assert.Equal(t, 0, h.Alerts, "alert penalty floors at zero")
	assert.Equal(t, 0, h.Control, "safe mode = no control points")
	assert.Equal(t, 0, h.Repository)
	assert.Equal(t, 0, h.Total)
}

func TestScore_Warnings(t *testing.T) {
	s := NewScorer(monitor.DefaultThresholds())

	one := &monitor.HealthReport{Resources: &monitor.ResourceSnapshot{CPU: 75}}
	two := &monitor.HealthReport{Resources: &monitor.ResourceSnapshot{CPU: 75, Memory: 80}}

	assert.Equal(t, 18, s.Score(one, nil).Resources)
	assert.Equal(t, 9, s.Score(two, nil).Resources)
}

func TestScore_NoReading(t *testing.T) {
	s := NewScorer(monitor.DefaultThresholds())
	h := s.Score(&monitor.HealthReport{ResourceError: "poll failed"}, nil)
	assert.Equal(t, 0, h.Resources)
	assert.Equal(t, 15, h.Repository, "no repository scores half")
}

func TestScore_PausedAgents(t *testing.T) {
	s := NewScorer(monitor.DefaultThresholds())
	h := s.Score(&monitor.HealthReport{Resources: calm(), PausedAgents: []string{"alpha"}}, nil)
	assert.Equal(t, 8, h.Control)
}

func TestScoreAlerts(t *testing.T) {
	tests := []struct {
		name   string
		levels []models.AlertLevel
		want   int
	}{
		{"none", nil, 25},
		{"info", []models.AlertLevel{models.AlertInfo}, 24},
		{"warning", []models.AlertLevel{models.AlertWarning}, 21},
		{"error", []models.AlertLevel{models.AlertError}, 17},
		{"critical", []models.AlertLevel{models.AlertCritical}, 10},
		{"floor", []models.AlertLevel{models.AlertCritical, models.AlertCritical}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var alerts []*models.Alert
			for _, l := range tt.levels {
				alerts = append(alerts, &models.Alert{Level: l})
			}
			assert.Equal(t, tt.want, scoreAlerts(alerts, 25))
		})
	}
}
