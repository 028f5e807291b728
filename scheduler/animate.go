package scheduler

import (
	"context"
	"errors"
	"fmt"
)

type Player interface {
	TriggerAnimation(ctx context.Context, name, occupantID string) error
}

// Animator plays the configured animations on the bot in round robin.
type Animator struct {
	animations []string
	next       int
	player     Player
}

func NewAnimator(animations []string, player Player) (*Animator, error) {
	if len(animations) == 0 {
		return nil, errors.New("animator needs at least one animation")
	}
	return &Animator{animations: animations, player: player}, nil
}

func (a *Animator) Step(ctx context.Context) error {
	name := a.animations[a.next]
	if err := a.player.TriggerAnimation(ctx, name, ""); err != nil {
		return fmt.Errorf("animation %s: %w", name, err)
	}
	a.next = (a.next + 1) % len(a.animations)
	return nil
}
