package main

import (
	"bytes"
	"context"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	replies [][]string
	err     error

	mu     sync.Mutex
	calls  int
	models []string
}

func (s *scriptedSource) Chat(_ context.Context, model string, _ []models.Turn) iter.Seq2[models.Chunk, error] {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.models = append(s.models, model)
	s.mu.Unlock()

	return func(yield func(models.Chunk, error) bool) {
		if i < len(s.replies) {
			for _, frag := range s.replies[i] {
				if !yield(models.Chunk{Text: frag, Model: model}, nil) {
					return
				}
			}
			return
		}
		if s.err != nil {
			yield(models.Chunk{}, s.err)
		}
	}
}

func runREPL(t *testing.T, src *scriptedSource, input string) string {
	t.Helper()

	color.NoColor = true

	sess := conversation.NewSession("chat", src, conversation.Options{Model: "model-a"})
	var out bytes.Buffer
	r := newREPL(sess, strings.NewReader(input), &out)
	require.NoError(t, r.run(context.Background()))
	return out.String()
}

func TestREPLStreamsReplies(t *testing.T) {
	src := &scriptedSource{replies: [][]string{
		{"<think>", "pondering", "</think>", "Hello ", "there"},
		{"Second"},
	}}

	out := runREPL(t, src, "hi\n\nagain\nexit\nignored\n")

	assert.Contains(t, out, "pondering\n\nHello there")
	assert.Contains(t, out, "Second")
	assert.Equal(t, 2, src.calls)
}

func TestREPLSwitchesModel(t *testing.T) {
	src := &scriptedSource{replies: [][]string{{"ok"}}}

	out := runREPL(t, src, "/model model-b\nhi\n")

	assert.Contains(t, out, "model: model-b")
	assert.Equal(t, []string{"model-b"}, src.models)
}

func TestREPLShowsErrors(t *testing.T) {
	src := &scriptedSource{err: &statusErr{code: 429}}

	out := runREPL(t, src, "hi\n")

	assert.Contains(t, out, "rate limit")
}

func TestREPLShowsEmptyReply(t *testing.T) {
	src := &scriptedSource{replies: [][]string{{}}}

	out := runREPL(t, src, "hi\n")

	assert.Contains(t, out, conversation.EmptyStreamMessage)
}

type statusErr struct {
	code int
}

func (e *statusErr) Error() string {
	return "request failed"
}

func (e *statusErr) HTTPStatus() int {
	return e.code
}

