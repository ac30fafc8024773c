package transfer

import (
	"context"
	"slices"
	"sync"
)

type Repository interface {
	SaveTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, id string) (Transfer, error)

	// SaveConference writes the conference and all its participants.
	SaveConference(ctx context.Context, c Conference) error
	GetConference(ctx context.Context, id string) (Conference, error)
	// ActiveConferencesForCall lists conferences that are not ended and either
	// were built around callID or still have it as a present participant.
	ActiveConferencesForCall(ctx context.Context, callID string) ([]string, error)
}

type MemoryRepo struct {
	mu          sync.RWMutex
	transfers   map[string]Transfer
	conferences map[string]Conference
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		transfers:   make(map[string]Transfer),
		conferences: make(map[string]Conference),
	}
}

func (r *MemoryRepo) SaveTransfer(ctx context.Context, t Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[t.ID] = t
	return nil
}

func (r *MemoryRepo) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return t, nil
}

func (r *MemoryRepo) SaveConference(ctx context.Context, c Conference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Participants = slices.Clone(c.Participants)
	r.conferences[c.ID] = c
	return nil
}

func (r *MemoryRepo) GetConference(ctx context.Context, id string) (Conference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conferences[id]
	if !ok {
		return Conference{}, ErrConferenceNotFound
	}
	c.Participants = slices.Clone(c.Participants)
	return c, nil
}

func (r *MemoryRepo) ActiveConferencesForCall(ctx context.Context, callID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, c := range r.conferences {
		if c.Status == ConferenceEnded {
			continue
		}
		if _, ok := c.participantByCall(callID); ok || c.CallID == callID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Transfers lists every stored transfer for a call, oldest first.
func (r *MemoryRepo) Transfers(callID string) []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transfer
	for _, t := range r.transfers {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b Transfer) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
