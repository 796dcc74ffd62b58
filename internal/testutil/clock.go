package testutil

import (
	"sync"
	"time"
)

// Clock - ручные часы для детерминированных тестов тиков и окон.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock создаёт часы, стоящие на start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now возвращает текущее время часов.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance сдвигает часы вперёд.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
