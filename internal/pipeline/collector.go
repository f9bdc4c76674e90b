package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Collect drains handles in submission order, calling consume for each result
// once it is available. Failed fragments are logged and kept as empty results.
// An engine construction failure aborts collection and is returned.
func Collect(ctx context.Context, handles <-chan *Handle, log *slog.Logger, consume func(Result)) ([]Result, error) {
	var results []Result
	for {
		var (
			h  *Handle
			ok bool
		)
		select {
		case h, ok = <-handles:
		case <-ctx.Done():
			return results, ctx.Err()
		}
		if !ok {
			return results, nil
		}

		res, err := h.Wait(ctx)
		if err != nil {
			return results, err
		}
		if res.Err != nil {
			var cerr *stt.ConstructionError
			if errors.As(res.Err, &cerr) {
				return results, cerr
			}
			log.Warn("fragment transcription failed",
				slog.Int("fragment", res.Index),
				slog.String("error", res.Err.Error()))
		}
		if consume != nil {
			consume(res)
		}
		results = append(results, res)
	}
}
