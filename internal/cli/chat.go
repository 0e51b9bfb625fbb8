package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/auth"
	"github.com/lalith-99/huddle/internal/client"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/observ"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("url", "ws://localhost:8081/v1/hub", "hub websocket URL")
	chatCmd.Flags().String("token", "", "bearer token (default $HUDDLE_TOKEN)")
	chatCmd.Flags().String("channel", "", "channel id to join")
	chatCmd.Flags().Int("history", 20, "messages of history to load, 0 for none")
	_ = chatCmd.MarkFlagRequired("channel")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a channel and chat from stdin",
	Long: `Each line read from stdin is sent to the channel. Commands:

  /list    print the channel as the client sees it
  /retry   resend the most recent failed message
  /quit    leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hubURL, _ := cmd.Flags().GetString("url")
		token, _ := cmd.Flags().GetString("token")
		channel, _ := cmd.Flags().GetString("channel")
		history, _ := cmd.Flags().GetInt("history")
		verbose, _ := cmd.Flags().GetBool("verbose")

		if token == "" {
			token = os.Getenv("HUDDLE_TOKEN")
		}
		if token == "" {
			return fmt.Errorf("a token is required: pass --token or set HUDDLE_TOKEN")
		}
		channelID, err := uuid.Parse(channel)
		if err != nil {
			return fmt.Errorf("invalid --channel: %w", err)
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		logger, err := observ.NewLogger("development", level)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := &chatSession{
			hubURL:    hubURL,
			token:     token,
			channelID: channelID,
			in:        cmd.InOrStdin(),
			out:       cmd.OutOrStdout(),
			logger:    logger,
		}
		return s.run(ctx, history)
	},
}

type chatSession struct {
	hubURL    string
	token     string
	channelID uuid.UUID
	in        io.Reader
	out       io.Writer
	logger    *zap.Logger
}

func (s *chatSession) run(ctx context.Context, history int) error {
	claims, err := auth.PeekClaims(s.token)
	if err != nil {
		return err
	}

	mgr := client.NewManager(client.Options{
		TokenFactory: func(context.Context) (string, error) { return s.token, nil },
		Logger:       s.logger,
	})
	defer mgr.Close()

	list := client.NewReconciler(s.channelID, claims.UserID, mgr)
	detach := list.Attach(mgr)
	defer detach()

	terminal := make(chan error, 1)
	mgr.Subscribe(func(ev client.Event) {
		switch e := ev.(type) {
		case client.Connected:
			fmt.Fprintln(s.out, "* connected")
		case client.Reconnecting:
			fmt.Fprintf(s.out, "* connection lost, reconnecting (attempt %d)\n", e.Attempt)
		case client.Reconnected:
			fmt.Fprintln(s.out, "* reconnected")
		case client.Disconnected:
			if e.Terminal {
				select {
				case terminal <- e.Err:
				default:
				}
			}
		case client.MessageReceived:
			if e.Message.SenderID != claims.UserID {
				fmt.Fprintln(s.out, formatMessage(e.Message))
			}
		case client.UserJoined:
			if e.UserID != claims.UserID {
				fmt.Fprintf(s.out, "* %s joined\n", e.UserID)
			}
		case client.UserLeft:
			fmt.Fprintf(s.out, "* %s left\n", e.UserID)
		}
	})

	if err := mgr.JoinChannel(ctx, s.channelID); err != nil {
		return err
	}
	if err := mgr.Connect(ctx, s.hubURL); err != nil {
		return err
	}
	if len(mgr.ActiveChannels()) == 0 {
		return fmt.Errorf("channel %s is not available to you", s.channelID)
	}

	if history > 0 {
		page, err := s.fetchHistory(ctx, history)
		if err != nil {
			s.logger.Warn("could not load history", zap.Error(err))
		} else {
			list.LoadHistory(page)
			for i := len(page) - 1; i >= 0; i-- {
				fmt.Fprintln(s.out, formatMessage(page[i]))
			}
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var lastFailed string
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-terminal:
			return fmt.Errorf("disconnected: %w", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/list":
				s.printList(list.Items())
			case line == "/retry":
				if lastFailed == "" {
					fmt.Fprintln(s.out, "* nothing to retry")
					continue
				}
				lastFailed = s.report(list.Retry(ctx, lastFailed))
			default:
				lastFailed = s.report(list.Send(ctx, line, nil))
			}
		}
	}
}

// report prints the outcome of a send and returns the temp id to retry, if
// it failed.
func (s *chatSession) report(tempID string, err error) string {
	if err != nil {
		fmt.Fprintf(s.out, "! not sent: %v (type /retry)\n", err)
		return tempID
	}
	return ""
}

func (s *chatSession) printList(items []client.Item) {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		switch it.Status {
		case client.StatusConfirmed:
			fmt.Fprintln(s.out, formatMessage(it.Message))
		default:
			fmt.Fprintf(s.out, "[%s] (%s) %s\n", it.Message.SentAt.Local().Format("15:04"), it.Status, it.Message.Content)
		}
	}
}

func formatMessage(m models.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format("15:04"), m.Sender.DisplayName, m.Content)
}

// fetchHistory loads the newest page over REST, deriving the API base from
// the hub URL.
func (s *chatSession) fetchHistory(ctx context.Context, pageSize int) ([]models.Message, error) {
	u, err := url.Parse(s.hubURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/v1/channel/" + s.channelID.String()
	u.RawQuery = url.Values{"pageSize": {fmt.Sprint(pageSize)}}.Encode()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: %s", resp.Status)
	}

	var page struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return page.Messages, nil
}
