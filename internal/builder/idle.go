package builder

import (
	"context"
	"time"

	"github.com/PotLock/zerobuild/pkg/model"
)

const idleSweepInterval = 30 * time.Second

// RunIdleWatcher periodically sweeps registered sessions, marking inactive ones idle and
// tearing down sandboxes that have been idle past the configured ceiling. It blocks until ctx
// ends.
func (b *Builder) RunIdleWatcher(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepIdle(ctx, time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// sweepIdle applies the idle policy once against the given clock reading.
func (b *Builder) sweepIdle(ctx context.Context, now time.Time) {
	for _, id := range b.registry.ListIDs() {
		h, err := b.registry.Get(id)
		if err != nil {
			continue
		}

		h.Mu.Lock()
		sess := h.Session
		switch {
		case sess.State == model.IdleState && now.Sub(sess.LastActiveAt) >= b.cfg.MaxIdleAge:
			// The sandbox has been held unused long enough; stop paying for it.
			if err := b.teardown(ctx, h, model.DestroyedState, "idle past maximum age"); err != nil {
				b.log.WithError(err).WithField("session", sess.ID).
					Error("idle teardown failed")
			}
		case sess.SandboxLive() && sess.State != model.IdleState &&
			now.Sub(sess.LastActiveAt) >= b.cfg.IdleAfter:
			// Sandbox handle is retained; only the state changes.
			if err := b.transition(ctx, sess, model.IdleState, "no recent activity"); err != nil {
				b.log.WithError(err).WithField("session", sess.ID).
					Error("idle transition failed")
			}
		}
		h.Mu.Unlock()
	}
}
