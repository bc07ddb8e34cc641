// Package stream turns a streamed completion into visible answer text and thinking text.
package stream

import (
	"context"
	"iter"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
)

// Update is the running state of the streamed message, published after every non-empty fragment.
type Update struct {
	MessageID string

	Content              string
	ThinkingContent      string
	IsThinkingInProgress bool
	ThinkingCompleted    bool
	IsStreaming          bool
}

// Result describes a finished stream.
type Result struct {
	Content         string
	ThinkingContent string

	// WasCancelled is true if the context was cancelled when iteration stopped.
	WasCancelled bool
	// IsEmptyStream is true if the source ended without a single non-empty fragment and was not cancelled.
	IsEmptyStream bool
	// ThinkTagProcessed is true if an opening thinking tag was seen at least once.
	ThinkTagProcessed bool
	ThinkingCompleted bool
	// InThinkBlock is true if the stream ended inside an unterminated thinking block.
	InThinkBlock bool

	// ModelID is the last model id reported by the source.
	ModelID string
	// Usage is the last usage reported by the source.
	Usage *models.Usage
	// Fragments counts the non-empty fragments processed.
	Fragments int
}

// Process consumes chunks until the source ends, fails, or ctx is cancelled, publishing an Update
// for messageID after every non-empty fragment. Cancellation is polled before each fragment is
// processed; a fragment received after ctx is done is dropped and the source is abandoned.
//
// A source error is returned together with the partial Result, unless ctx was cancelled, in which
// case the error is considered a consequence of the cancellation and the Result reports WasCancelled.
func Process(
	ctx context.Context,
	messageID string,
	chunks iter.Seq2[models.Chunk, error],
	publish func(Update),
) (Result, error) {
	var (
		sp        Splitter
		res       Result
		streamErr error
	)

	for chunk, err := range chunks {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		if chunk.Model != "" {
			res.ModelID = chunk.Model
		}
		if chunk.Usage != nil {
			res.Usage = chunk.Usage
		}
		if chunk.Text == "" {
			continue
		}

		res.Fragments++
		sp.Feed(chunk.Text)
		if publish != nil {
			publish(Update{
				MessageID:            messageID,
				Content:              sp.Content(),
				ThinkingContent:      sp.Thinking(),
				IsThinkingInProgress: sp.InThinkBlock(),
				ThinkingCompleted:    sp.ThinkingCompleted(),
				IsStreaming:          true,
			})
		}
	}

	sp.Flush()

	res.Content = sp.Content()
	res.ThinkingContent = sp.Thinking()
	res.ThinkTagProcessed = sp.TagProcessed()
	res.ThinkingCompleted = sp.ThinkingCompleted()
	res.InThinkBlock = sp.InThinkBlock()
	res.WasCancelled = ctx.Err() != nil
	res.IsEmptyStream = res.Fragments == 0 && !res.WasCancelled

	if streamErr != nil && !res.WasCancelled {
		res.IsEmptyStream = false
		return res, streamErr
	}
	return res, nil
}
