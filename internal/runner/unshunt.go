package runner

import (
	"log/slog"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/switchboard"
)

// Unshunt moves every shunted envelope back to the queue it was shunted
// from, or to in when that is unknown. Unreadable files are preserved in
// the bad queue. It returns how many envelopes were moved.
func Unshunt(s *core.Stack) (int, error) {
	sb := s.Queues.Get(switchboard.Shunt)
	files, err := sb.Files()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, fb := range files {
		logger := s.Logger.With(slog.String("filebase", fb))
		env, err := sb.Dequeue(fb)
		if err != nil {
			logger.Error("reading shunted envelope", slog.String("error", err.Error()))
			if err := sb.Finish(fb, true); err != nil {
				logger.Error("preserving shunted envelope", slog.String("error", err.Error()))
			}
			continue
		}
		queue := env.Meta.String(envelope.KeyWhichQ)
		if queue == "" || queue == switchboard.Shunt {
			queue = switchboard.In
		}
		if _, err := s.Queues.Enqueue(queue, env.Message, env.Meta); err != nil {
			// The .bak is resurrected by the next recovery pass.
			logger.Error("requeueing shunted envelope", slog.String("queue", queue), slog.String("error", err.Error()))
			continue
		}
		if err := sb.Finish(fb, false); err != nil {
			return moved, err
		}
		moved++
		logger.Info("unshunted envelope", slog.String("queue", queue))
	}
	return moved, nil
}
