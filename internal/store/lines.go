package store

import (
	"context"
	"sort"
	"sync"

	"buseta/internal/domain"
)

// MemoryLines holds line topology: lines, stops and the ordered stops of
// each line.
type MemoryLines struct {
	mu        sync.RWMutex
	lines     map[string]*domain.Line
	stops     map[string]*domain.Stop
	lineStops map[string][]domain.LineStop
}

func NewMemoryLines() *MemoryLines {
	return &MemoryLines{
		lines:     make(map[string]*domain.Line),
		stops:     make(map[string]*domain.Stop),
		lineStops: make(map[string][]domain.LineStop),
	}
}

func (l *MemoryLines) PutStop(stop domain.Stop) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := stop
	l.stops[s.ID] = &s
}

// PutLine replaces a line and its route. Stops are sorted by Order.
func (l *MemoryLines) PutLine(line domain.Line, stops []domain.LineStop) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ln := line
	l.lines[ln.ID] = &ln

	route := make([]domain.LineStop, len(stops))
	copy(route, stops)
	sort.SliceStable(route, func(i, j int) bool {
		return route[i].Order < route[j].Order
	})
	for i := range route {
		route[i].LineID = ln.ID
		s := route[i].Stop
		l.stops[s.ID] = &s
	}
	l.lineStops[ln.ID] = route
}

func (l *MemoryLines) GetLine(ctx context.Context, id string) (*domain.Line, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ln, ok := l.lines[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ln
	return &c, nil
}

func (l *MemoryLines) GetStop(ctx context.Context, id string) (*domain.Stop, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.stops[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// LineStops returns the route of a line ordered by stop order.
func (l *MemoryLines) LineStops(ctx context.Context, lineID string) ([]domain.LineStop, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	route, ok := l.lineStops[lineID]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]domain.LineStop, len(route))
	copy(result, route)
	return result, nil
}

// MemoryUsers is a read-only directory of notification recipients
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]*domain.User)}
}

func (u *MemoryUsers) Put(user domain.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := user
	c.DeviceTokens = append([]string(nil), user.DeviceTokens...)
	u.users[c.ID] = &c
}

func (u *MemoryUsers) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	user, ok := u.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *user
	c.DeviceTokens = append([]string(nil), user.DeviceTokens...)
	return &c, nil
}
