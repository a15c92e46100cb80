package server

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/internal/transport"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// Table is the in-memory request table behind the development backend.
type Table struct {
	mu             sync.RWMutex
	requests       map[types.RequestID]types.MaintenanceRequest
	rejectTerminal bool
	validate       *validator.Validate
}

// Seed is the YAML fixture format.
type Seed struct {
	Requests []types.MaintenanceRequest `yaml:"requests"`
}

// NewTable builds a table from reqs. With rejectTerminal set, moves out of
// Repaired or Scrap are refused the same way the board refuses them.
func NewTable(reqs []types.MaintenanceRequest, rejectTerminal bool) (*Table, error) {
	v, err := transport.NewValidator()
	if err != nil {
		return nil, err
	}
	if err := transport.ValidateRequests(v, reqs); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}

	t := &Table{
		requests:       make(map[types.RequestID]types.MaintenanceRequest, len(reqs)),
		rejectTerminal: rejectTerminal,
		validate:       v,
	}
	for _, r := range reqs {
		t.requests[r.ID] = r
	}
	return t, nil
}

// LoadSeed reads a YAML fixture. An empty path yields MockRequests.
func LoadSeed(path string, now time.Time) ([]types.MaintenanceRequest, error) {
	if path == "" {
		return MockRequests(now), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed %s: %w", path, err)
	}
	return seed.Requests, nil
}

// MockRequests is the built-in fixture used when no seed file is configured.
func MockRequests(now time.Time) []types.MaintenanceRequest {
	yesterday := now.Add(-24 * time.Hour)
	return []types.MaintenanceRequest{
		{
			ID:          1,
			Subject:     "Leaking Oil",
			RequestType: types.RequestCorrective,
			Status:      types.StatusNew,
			Priority:    4,
			Equipment: types.EquipmentRef{
				ID: 101, Name: "CNC Machine 01", SerialNumber: "CNC-001",
				Category: "Machinery", Department: "Production", IsFunctional: true,
			},
			CreatedAt: now,
		},
		{
			ID:          2,
			Subject:     "Routine Inspection",
			RequestType: types.RequestPreventive,
			Status:      types.StatusInProgress,
			Priority:    2,
			Equipment: types.EquipmentRef{
				ID: 102, Name: "Conveyor Belt A", SerialNumber: "CV-002",
				Category: "Logistics", Department: "Warehouse", IsFunctional: true,
			},
			ScheduledDate: &yesterday,
			CreatedAt:     now,
		},
		{
			ID:          3,
			Subject:     "Printer Jam",
			RequestType: types.RequestCorrective,
			Status:      types.StatusRepaired,
			Priority:    1,
			Equipment: types.EquipmentRef{
				ID: 103, Name: "Office Printer", SerialNumber: "PRT-003",
				Category: "IT", Department: "Office", IsFunctional: true,
			},
			CreatedAt: now,
		},
	}
}

// ListRequests implements transport.BoardServer. Results are ordered by id.
func (t *Table) ListRequests(context.Context) ([]types.MaintenanceRequest, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.MaintenanceRequest, 0, len(t.requests))
	for _, r := range t.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStatus implements transport.BoardServer.
func (t *Table) UpdateStatus(_ context.Context, id types.RequestID, status types.Status) error {
	if err := t.validate.Struct(transport.StatusUpdate{Status: status}); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.requests[id]
	if !ok {
		return fmt.Errorf("request %d: %w", id, boarderr.ErrNotFound)
	}
	if t.rejectTerminal {
		if err := statemachine.Validate(r.Status, status); err != nil {
			return err
		}
	}
	r.Status = status
	t.requests[id] = r
	return nil
}

// Put inserts or replaces a request.
func (t *Table) Put(r types.MaintenanceRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[r.ID] = r
}

// Delete removes a request.
func (t *Table) Delete(id types.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.requests, id)
}
