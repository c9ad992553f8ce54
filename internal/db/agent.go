package db

import (
	"context"
	"fmt"
	"time"
)

// AgentState is the single-row record of the currently-active task.
type AgentState struct {
	IsRunning           bool
	CurrentTaskID       string
	CurrentPhaseMessage string
	LastUpdate          time.Time
}

// GetAgentState reads the agent singleton.
func (s *Store) GetAgentState(ctx context.Context) (*AgentState, error) {
	var a AgentState
	var lastUpdate string
	err := s.QueryRow(ctx, `
		SELECT is_running, current_task_id, current_phase_message, last_update
		FROM agent_state WHERE id = 1
	`).Scan(&a.IsRunning, &a.CurrentTaskID, &a.CurrentPhaseMessage, &lastUpdate)
	if err != nil {
		return nil, fmt.Errorf("get agent state: %w", err)
	}
	a.LastUpdate, _ = time.Parse(time.RFC3339, lastUpdate)
	return &a, nil
}

// SetAgentRunning points the agent singleton at a task.
func (s *Store) SetAgentRunning(ctx context.Context, taskID, phaseMessage string) error {
	_, err := s.Exec(ctx, `
		UPDATE agent_state SET is_running = ?, current_task_id = ?, current_phase_message = ?, last_update = ?
		WHERE id = 1
	`, true, taskID, phaseMessage, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set agent running: %w", err)
	}
	return nil
}

// UpdateAgentMessage refreshes the singleton's phase message while a
// task is running.
func (s *Store) UpdateAgentMessage(ctx context.Context, phaseMessage string) error {
	_, err := s.Exec(ctx, `
		UPDATE agent_state SET current_phase_message = ?, last_update = ? WHERE id = 1
	`, phaseMessage, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("update agent message: %w", err)
	}
	return nil
}

// ClearAgentState resets the agent singleton to idle.
func (s *Store) ClearAgentState(ctx context.Context) error {
	_, err := s.Exec(ctx, `
		UPDATE agent_state SET is_running = ?, current_task_id = '', current_phase_message = '', last_update = ?
		WHERE id = 1
	`, false, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("clear agent state: %w", err)
	}
	return nil
}

// ClearAgentStateIf resets the singleton only if it points at taskID.
// Used by the stale-task reconciler.
func (s *Store) ClearAgentStateIf(ctx context.Context, taskID string) error {
	_, err := s.Exec(ctx, `
		UPDATE agent_state SET is_running = ?, current_task_id = '', current_phase_message = '', last_update = ?
		WHERE id = 1 AND current_task_id = ?
	`, false, time.Now().UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("clear agent state for %s: %w", taskID, err)
	}
	return nil
}
