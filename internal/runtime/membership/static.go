package membership

import (
	"context"
	"errors"
	"slices"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("flowbind: membership closed")

// Static is a fixed member list. Self is added to the list when missing.
type Static struct {
	self string
	hub  *hub
}

// NewStatic returns a membership that never changes.
func NewStatic(self string, members ...string) *Static {
	if !slices.Contains(members, self) {
		members = append(slices.Clone(members), self)
	}
	return &Static{self: self, hub: newHub(members)}
}

func (s *Static) Self() string { return s.self }

func (s *Static) Watch(ctx context.Context) (<-chan View, error) { return s.hub.watch(ctx) }

// View returns the fixed view.
func (s *Static) View() View { return s.hub.view() }

func (s *Static) Close() error {
	s.hub.close()
	return nil
}
