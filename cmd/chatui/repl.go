package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChatCmd(cfgPath *string) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session in the terminal",
		Long: `Start a conversational session with the configured provider. Replies are streamed as they
arrive, thinking is shown dimmed, and Ctrl-C stops the reply in progress.

Type '/model <id>' to switch models and 'exit' or 'quit' to end the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			// Logs would interleave with the reply, so only warnings and errors are shown.
			logger, err := newLogger("warn", os.Stderr)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			opts := a.sessionOptions(nil)
			if model != "" {
				opts.Model = model
			}
			sess := conversation.NewSession(uuid.New().String(), a.source, opts)

			r := newREPL(sess, os.Stdin, os.Stdout)
			r.spin = spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(os.Stderr))

			// Ctrl-C stops the streaming reply instead of terminating the process.
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt)
			defer signal.Stop(sigs)
			go func() {
				for range sigs {
					sess.Stop()
				}
			}()

			return r.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to chat with, overrides the config file")

	return cmd
}

// repl reads user messages line by line and prints the streamed replies of a session.
type repl struct {
	sess *conversation.Session
	in   io.Reader
	out  io.Writer
	spin *spinner.Spinner

	prompt   *color.Color
	dim      *color.Color
	errColor *color.Color

	mu       sync.Mutex
	replyID  string
	thinking int
	content  int
	started  bool
}

func newREPL(sess *conversation.Session, in io.Reader, out io.Writer) *repl {
	return &repl{
		sess:     sess,
		in:       in,
		out:      out,
		prompt:   color.New(color.FgGreen),
		dim:      color.New(color.Faint),
		errColor: color.New(color.FgRed),
	}
}

func (r *repl) run(ctx context.Context) error {
	unsubscribe := r.sess.Subscribe(r.onEvent)
	defer unsubscribe()

	scanner := bufio.NewScanner(r.in)
	for {
		r.prompt.Fprint(r.out, "you → ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/model"):
			if m := strings.TrimSpace(strings.TrimPrefix(input, "/model")); m != "" {
				r.sess.SetModel(m)
			}
			r.dim.Fprintf(r.out, "model: %s\n", r.sess.Model())
			continue
		}

		ex, err := r.sess.Prepare(ctx, input)
		if err != nil {
			if errors.Is(err, conversation.ErrMissingCredentials) {
				return err
			}
			r.errColor.Fprintf(r.out, "%v\n", err)
			continue
		}

		r.begin(ex.Placeholder.ID)
		reply := ex.Run(ctx)
		r.end(reply)
	}

	return scanner.Err()
}

func (r *repl) begin(replyID string) {
	r.mu.Lock()
	r.replyID = replyID
	r.thinking = 0
	r.content = 0
	r.started = false
	r.mu.Unlock()

	if r.spin != nil {
		r.spin.Start()
	}
}

func (r *repl) end(reply models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopSpinnerLocked()
	if reply.IsError {
		r.errColor.Fprintf(r.out, "%s\n", reply.Content)
	}
	r.replyID = ""
	fmt.Fprintln(r.out)
}

// onEvent prints the part of the reply that is new since the last update.
func (r *repl) onEvent(e conversation.Event) {
	if e.Kind != conversation.EventUpdated && e.Kind != conversation.EventFinalized {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg := e.Changed
	if msg.ID != r.replyID || msg.IsError {
		return
	}

	if len(msg.ThinkingContent) > r.thinking {
		r.stopSpinnerLocked()
		r.dim.Fprint(r.out, msg.ThinkingContent[r.thinking:])
		r.thinking = len(msg.ThinkingContent)
	}

	if len(msg.Content) > r.content {
		r.stopSpinnerLocked()
		if r.content == 0 && r.thinking > 0 {
			fmt.Fprint(r.out, "\n\n")
		}
		fmt.Fprint(r.out, msg.Content[r.content:])
		r.content = len(msg.Content)
	}
}

func (r *repl) stopSpinnerLocked() {
	if r.started {
		return
	}
	r.started = true
	if r.spin != nil {
		r.spin.Stop()
	}
}
