package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omochice/magichat/internal/client"
	"github.com/omochice/magichat/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const chatHelp = `Commands:
  /list            list conversations
  /open <n|id>     select a conversation
  /new <email>     start a conversation
  /logout          sign out and exit
  /quit            exit, keeping the session
Any other line is sent to the selected conversation.`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long:  "Open an interactive chat session with the stored login.\n\n" + chatHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(a.client)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Warn("metrics server stopped", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		if err := a.client.RestoreSession(); err != nil {
			return err
		}
		if !a.client.View().Session.Signed {
			return errors.New("not signed in, run login first")
		}

		t := &terminal{out: os.Stdout, client: a.client}
		go t.watch()

		t.printf("Type /help for commands\n")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if quit := t.handle(line); quit {
				break
			}
		}
		return scanner.Err()
	},
}

var metricsAddr string

func init() {
	chatCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(chatCmd)
}

func metricsMux(c *client.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Metrics().Handler())
	return mux
}

// terminal renders client views and turns input lines into intents.
type terminal struct {
	out    io.Writer
	client *client.Client

	mu sync.Mutex

	// owned by watch
	conversations string
	selected      string
	printed       int
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) watch() {
	for range t.client.Changes() {
		t.render(t.client.View())
	}
}

func (t *terminal) render(v client.View) {
	if sig := signature(v.Conversations); sig != t.conversations {
		t.conversations = sig
		t.list(v)
	}

	if v.Selected != t.selected {
		t.selected = v.Selected
		t.printed = 0
	}
	if v.SelectedChat == nil {
		return
	}
	for _, m := range v.SelectedChat.Messages[min(t.printed, len(v.SelectedChat.Messages)):] {
		t.printf("%s\n", t.format(v, m))
	}
	t.printed = len(v.SelectedChat.Messages)
}

func (t *terminal) list(v client.View) {
	if len(v.Conversations) == 0 {
		t.printf("No conversations yet. Start one with /new <email>\n")
		return
	}
	t.printf("Conversations:\n")
	for i, c := range v.Conversations {
		preview := ""
		if c.LastMessage != nil {
			preview = " - " + c.LastMessage.Text
		}
		t.printf("  %d. %s%s\n", i+1, displayName(c.User.Name, c.User.Email, c.ID), preview)
	}
}

func (t *terminal) format(v client.View, m protocol.Message) string {
	sender := "them"
	if m.Sender == v.Session.User.ID {
		sender = "me"
	}
	if m.CreatedAt == 0 {
		return fmt.Sprintf("[%s]: %s", sender, m.Text)
	}
	at := time.UnixMilli(m.CreatedAt).Format("15:04")
	return fmt.Sprintf("%s [%s]: %s", at, sender, m.Text)
}

// handle runs one input line and reports whether to exit.
func (t *terminal) handle(line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		t.printf("%s\n", chatHelp)
	case "/list":
		t.list(t.client.View())
	case "/open":
		id, ok := resolve(t.client.View(), arg)
		if !ok {
			t.printf("No conversation %q\n", arg)
			return false
		}
		if err := t.client.SelectConversation(id); err != nil {
			t.printf("Failed to open conversation: %v\n", err)
		}
	case "/new":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := t.client.CreateConversation(ctx, arg); err != nil {
			t.printf("Failed to start conversation: %v\n", err)
		}
	case "/logout":
		t.client.SignOut()
		t.printf("Signed out\n")
		return true
	default:
		v := t.client.View()
		if v.Selected == "" {
			t.printf("Select a conversation with /open first\n")
			return false
		}
		if err := t.client.SendMessage(v.Selected, line); err != nil {
			t.printf("Failed to send message: %v\n", err)
		}
	}
	return false
}

// resolve accepts a 1-based list position or a conversation id.
func resolve(v client.View, arg string) (string, bool) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(v.Conversations) {
			return "", false
		}
		return v.Conversations[n-1].ID, true
	}
	for _, c := range v.Conversations {
		if c.ID == arg {
			return c.ID, true
		}
	}
	return "", false
}

func signature(list []protocol.ConversationSummary) string {
	var b strings.Builder
	for _, c := range list {
		b.WriteString(c.ID)
		if c.LastMessage != nil {
			b.WriteString(":" + c.LastMessage.ID)
		}
		b.WriteByte(',')
	}
	return b.String()
}
