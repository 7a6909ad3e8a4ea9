package client

import (
	"context"
	"slices"
	"sync"

	"github.com/pesio-ai/be-proc-approvals/internal/config"
)

// StaticDirectory answers role lookups from configuration. It backs the
// memory storage driver and local development; production reads the
// user_roles table instead.
type StaticDirectory struct {
	mu       sync.RWMutex
	roles    map[string][]string
	inactive map[string]bool
}

// NewStaticDirectory builds a directory from cfg.
func NewStaticDirectory(cfg config.DirectoryConfig) *StaticDirectory {
	d := &StaticDirectory{
		roles:    make(map[string][]string, len(cfg.Roles)),
		inactive: make(map[string]bool, len(cfg.InactiveUsers)),
	}
	for role, users := range cfg.Roles {
		d.roles[role] = slices.Clone(users)
	}
	for _, u := range cfg.InactiveUsers {
		d.inactive[u] = true
	}
	return d
}

// RoleHolders returns the active holders of role, sorted.
func (d *StaticDirectory) RoleHolders(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.roles[role]))
	for _, u := range d.roles[role] {
		if !d.inactive[u] {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// IsActive reports whether userID is not listed as inactive. Users unknown to
// the directory are treated as active.
func (d *StaticDirectory) IsActive(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.inactive[userID], nil
}

// SetActive flips a user's active flag.
func (d *StaticDirectory) SetActive(userID string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if active {
		delete(d.inactive, userID)
		return
	}
	d.inactive[userID] = true
}
