package app

import (
	"strings"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// Scorer rates how well a task fits an agent. Implementations must be deterministic.
type Scorer interface {
	Score(agent *domain.Agent, task *domain.Task, active int) int
}

// CapabilityScorer is the default scorer:
//
//	10 × |skill overlap| + priority weight − 5 × active tasks (+ PreferredTypeBonus)
type CapabilityScorer struct {
	// PreferredTypeBonus is added when the task type is one of the agent's
	// preferred types and at least one required skill matches.
	PreferredTypeBonus int
}

// Score implements Scorer.
func (c CapabilityScorer) Score(agent *domain.Agent, task *domain.Task, active int) int {
	overlap := SkillOverlap(agent, task)
	score := 10*overlap + task.Priority.Weight() - 5*active
	if c.PreferredTypeBonus != 0 && overlap > 0 && task.Type != "" {
		for _, t := range agent.PreferredTypes {
			if strings.EqualFold(t, task.Type) {
				score += c.PreferredTypeBonus
				break
			}
		}
	}
	return score
}

// SkillOverlap counts the task's required skills the agent declared.
func SkillOverlap(agent *domain.Agent, task *domain.Task) int {
	n := 0
	for _, need := range task.RequiredSkills {
		if agent.HasSkill(need) {
			n++
		}
	}
	return n
}

// ScoredTask is a candidate with its score.
type ScoredTask struct {
	Task  *domain.Task
	Score int
}

// bestCandidate picks the highest score; ties go to the earliest posted task, then the smallest id.
func bestCandidate(cands []ScoredTask) *ScoredTask {
	var best *ScoredTask
	for i := range cands {
		c := &cands[i]
		if best == nil || better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b *ScoredTask) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Task.PostedAt.Equal(b.Task.PostedAt) {
		return a.Task.PostedAt.Before(b.Task.PostedAt)
	}
	return a.Task.ID < b.Task.ID
}
