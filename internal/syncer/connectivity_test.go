package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwitchKeepsLatestChange(t *testing.T) {
	s := NewSwitch(false)
	assert.False(t, s.Set(false))
	assert.True(t, s.Set(true))
	assert.True(t, s.Set(false))

	assert.False(t, <-s.Changes())
	select {
	case v := <-s.Changes():
		t.Fatalf("unexpected extra change %v", v)
	default:
	}
	assert.False(t, s.Online())
}

type togglePinger struct{ down atomic.Bool }

func (p *togglePinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestHealthWatcherCheck(t *testing.T) {
	pinger := &togglePinger{}
	p := NewHealthWatcher(pinger, 0, nil)
	assert.False(t, p.Online(), "starts offline")

	assert.True(t, p.Check(context.Background()))
	assert.True(t, <-p.Changes())

	pinger.down.Store(true)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, p.Online())
}
