package bot

import (
	"context"
	"sync"
	"time"

	"github.com/daikelcutino-spec/barbot/platform"
	"github.com/daikelcutino-spec/barbot/room"
)

// Conn is one authenticated platform connection. *platform.Client satisfies
// it.
type Conn interface {
	Self() room.Occupant
	Events() <-chan platform.Event
	Done() <-chan struct{}
	Close() error

	SendPublicMessage(ctx context.Context, text string) error
	SendDirectMessage(ctx context.Context, occupantID, text string) error
	TriggerAnimation(ctx context.Context, name, occupantID string) error
	QueryOccupants(ctx context.Context) ([]room.Occupant, error)
	GetAppearance(ctx context.Context, occupantID string) (room.Outfit, error)
	SetAppearance(ctx context.Context, outfit room.Outfit) error
	MoveTo(ctx context.Context, p room.Position) error
}

// link forwards calls to whichever connection is current, so the scheduler
// and the router keep working across reconnects. Calls made while
// disconnected fail with platform.ErrNotConnected.
type link struct {
	timeout time.Duration

	mu   sync.RWMutex
	conn Conn
}

func (l *link) set(c Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

func (l *link) current(ctx context.Context) (Conn, context.Context, context.CancelFunc, error) {
	l.mu.RLock()
	c := l.conn
	l.mu.RUnlock()
	if c == nil {
		return nil, nil, nil, platform.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	return c, ctx, cancel, nil
}

func (l *link) SendPublicMessage(ctx context.Context, text string) error {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.SendPublicMessage(ctx, text)
}

func (l *link) SendDirectMessage(ctx context.Context, occupantID, text string) error {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.SendDirectMessage(ctx, occupantID, text)
}

func (l *link) TriggerAnimation(ctx context.Context, name, occupantID string) error {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.TriggerAnimation(ctx, name, occupantID)
}

func (l *link) QueryOccupants(ctx context.Context) ([]room.Occupant, error) {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.QueryOccupants(ctx)
}

func (l *link) GetAppearance(ctx context.Context, occupantID string) (room.Outfit, error) {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return room.Outfit{}, err
	}
	defer cancel()
	return c.GetAppearance(ctx, occupantID)
}

func (l *link) SetAppearance(ctx context.Context, outfit room.Outfit) error {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.SetAppearance(ctx, outfit)
}

func (l *link) MoveTo(ctx context.Context, p room.Position) error {
	c, ctx, cancel, err := l.current(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return c.MoveTo(ctx, p)
}
