package health

import (
	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/monitor"
)

// SafetyScore summarizes how safe it is to let agents work right now.
type SafetyScore struct {
	Total      int `json:"total"`
	Resources  int `json:"resources"`  // 0-30
	Alerts     int `json:"alerts"`     // 0-25
	Control    int `json:"control"`    // 0-15
	Repository int `json:"repository"` // 0-30
}

// Scorer computes safety scores.
type Scorer struct {
	thresholds monitor.Thresholds
}

// NewScorer returns a Scorer that grades resources against t.
func NewScorer(t monitor.Thresholds) *Scorer {
	return &Scorer{thresholds: t}
}

// Score computes a safety score (0-100). repo may be nil when no
// repository is configured; it then scores half marks.
func (s *Scorer) Score(report *monitor.HealthReport, repo *git.SafetyStatus) *SafetyScore {
	h := &SafetyScore{}

	h.Resources = s.scoreResources(report, 30)
	h.Alerts = scoreAlerts(report.UnresolvedAlerts, 25)

	// Safe mode and paused agents mean an operator has stepped in.
	h.Control = 15
	if report.SafeMode {
		h.Control = 0
	} else if len(report.PausedAgents) > 0 {
		h.Control = 8
	}

	h.Repository = scoreRepo(repo, 30)

	h.Total = h.Resources + h.Alerts + h.Control + h.Repository
	return h
}

func (s *Scorer) scoreResources(report *monitor.HealthReport, maxPoints int) int {
	if report.Resources == nil {
		return 0
	}
	critical, warnings := monitor.Classify(*report.Resources, s.thresholds)
	switch {
	case len(critical) > 0:
		return 0
	case len(warnings) == 0:
		return maxPoints
	case len(warnings) == 1:
		return int(float64(maxPoints) * 0.6)
	default:
		return int(float64(maxPoints) * 0.3)
	}
}

// scoreAlerts charges each unresolved alert by severity.
func scoreAlerts(alerts []*models.Alert, maxPoints int) int {
	score := maxPoints
	for _, a := range alerts {
		switch a.Level {
		case models.AlertCritical:
			score -= 15
		case models.AlertError:
			score -= 8
		case models.AlertWarning:
			score -= 4
		default:
			score--
		}
	}
	return max(score, 0)
}

func scoreRepo(repo *git.SafetyStatus, maxPoints int) int {
	if repo == nil {
		return maxPoints / 2
	}
	score := 0
	if !repo.OnProtectedBranch {
		score += 10
	}
	if !repo.Dirty {
		score += 8
	}
	if repo.HookInstalled {
		score += 7
	}
	if repo.BackupCount > 0 {
		score += 5
	}
	return min(score, maxPoints)
}
