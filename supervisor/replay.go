package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/journal"
)

// replayJournal re-posts every request that was pending or in flight when
// the server died. Delivery is at least once: each replay carries the
// original X-Request-ID, and the server's own journal middleware moves the
// shared entry to completed or failed. Requests that cannot be delivered
// stay pending for the next replay pass.
func (s *Supervisor) replayJournal(ctx context.Context) error {
	q, err := journal.NewQueue(s.cfg.JournalDir)
	if err != nil {
		return err
	}
	entries, err := q.LoadPending()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	s.log.Info("replaying journaled requests", zap.Int("count", len(entries)))

	var failed int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.IncrementRetry(e.ID); err != nil {
			s.log.Warn("failed to bump retry counter",
				zap.String("id", e.ID), zap.Error(err))
		}
		if err := s.replayOne(ctx, e); err != nil {
			s.log.Warn("replay failed, leaving entry pending",
				zap.String("id", e.ID), zap.Error(err))
			failed++
		} else {
			s.log.Info("request replayed", zap.String("id", e.ID))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d replays failed", failed, len(entries))
	}
	return nil
}

func (s *Supervisor) replayOne(ctx context.Context, e *journal.Entry) error {
	url := s.cfg.ReplayBaseURL + e.Path
	req, err := http.NewRequestWithContext(ctx, e.Method, url, bytes.NewReader(e.Body))
	if err != nil {
		return err
	}
	req.Header.Set(journal.HeaderRequestID, e.ID)
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("replay returned %d", resp.StatusCode)
	}
	return nil
}
