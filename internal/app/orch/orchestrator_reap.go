package orch

import (
	"context"
	"time"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/rs/zerolog/log"
)

// Reap drops members whose grace period ran out and closes rooms that are
// empty or idle. It returns the number of rooms closed.
func (o *Orchestrator) Reap(now time.Time) int {
	closed := 0
	for _, info := range o.Rooms.List() {
		room, ok := o.Rooms.GetRoom(info.ID)
		if !ok {
			continue
		}
		for _, pid := range room.Expired(now, o.Grace) {
			log.Info().Str("module", "orch.reaper").Str("room", string(info.ID)).Str("player", string(pid)).Msg("grace expired")
			o.removePlayer(room, pid)
		}
		if _, still := o.Rooms.GetRoom(info.ID); !still {
			closed++
			o.Observe().ReapedRooms.Add(context.Background(), 1)
			continue
		}
		if room.MemberCount() == 0 || (o.IdleTimeout > 0 && now.Sub(room.LastActive()) >= o.IdleTimeout) {
			log.Info().Str("module", "orch.reaper").Str("room", string(info.ID)).Msg("closing idle room")
			o.EvictRoom(info.ID)
			o.Observe().ReapedRooms.Add(context.Background(), 1)
			closed++
		}
	}
	return closed
}

// RunReaper calls Reap every interval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := o.Reap(now); n > 0 {
				log.Info().Str("module", "orch.reaper").Int("closed", n).Msg("reaped rooms")
			}
		}
	}
}
