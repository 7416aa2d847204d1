package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	chatsync "github.com/truongk6868/FE-Deploy-sub001"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// conversations
	conversationsUnread bool

	// watch
	watchConversation int64
	watchMetricsAddr  string
)

const commandTimeout = 20 * time.Second

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		session, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.LoadConversations(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		convs := session.Snapshot().Conversations
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			printConversation(c, cfg.Auth.UserID)
		}
		return nil
	},
}

func printConversation(c chatsync.Conversation, self int64) {
	peer := c.UserBID
	if peer == self {
		peer = c.UserAID
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	last := ""
	if c.LastMessage != nil {
		last = fmt.Sprintf("  %s  %s", c.LastMessage.SentAt.Local().Format("Jan 2 15:04"), truncate(c.LastMessage.Content, 50))
	}
	fmt.Printf("  %d: %s%s%s\n", c.ConversationID, displayName(c.OtherUser, peer), unread, last)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		session, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.LoadMessages(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		msgs := session.Snapshot().Messages
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, cfg.Auth.UserID)
		}
		return nil
	},
}

func printMessage(m chatsync.Message, self int64) {
	who := displayName(m.Sender, m.SenderID)
	if m.SenderID == self {
		who = "me"
	}
	state := ""
	switch m.Delivery {
	case chatsync.DeliveryPending:
		state = " [sending]"
	case chatsync.DeliveryFailed:
		state = " [failed]"
	}
	fmt.Printf("  [%s] %s: %s%s\n", m.SentAt.Local().Format("15:04:05"), who, m.Content, state)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		session, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		key, err := session.Send(ctx, conversationID, content)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]any{"conversationId": conversationID, "clientKey": key})
		}
		fmt.Printf("Message sent to conversation %d.\n", conversationID)
		return nil
	},
}

// ============================================================================
// open-peer / open-host
// ============================================================================

var openPeerCmd = &cobra.Command{
	Use:   "open-peer <user-id>",
	Short: "Open (or start) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		return runOpen(func(ctx context.Context, s *chatsync.Session) (int64, error) {
			return s.OpenWithPeer(ctx, peerID)
		})
	},
}

var openHostCmd = &cobra.Command{
	Use:   "open-host <listing-id> <message>",
	Short: "Message the host of a listing and open the conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, err := parseID(args[0], "listing id")
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")
		return runOpen(func(ctx context.Context, s *chatsync.Session) (int64, error) {
			id, err := s.OpenWithHost(ctx, entityID, content)
			if errors.Is(err, chatsync.ErrStillConnecting) {
				// The connection is usually up a moment later.
				time.Sleep(time.Second)
				id, err = s.OpenWithHost(ctx, entityID, content)
			}
			return id, err
		})
	},
}

func runOpen(open func(context.Context, *chatsync.Session) (int64, error)) error {
	cfg, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	session, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	id, err := open(ctx, session)
	if err != nil {
		return err
	}
	snap := session.Snapshot()
	if jsonOutput {
		return printJSON(map[string]any{"conversationId": id, "messages": snap.Messages})
	}
	fmt.Printf("Conversation %d\n", id)
	for _, m := range snap.Messages {
		printMessage(m, cfg.Auth.UserID)
	}
	return nil
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages until interrupted",
	Long:  "Connect to the chat hub and print incoming messages and connection changes.\nWith --metrics-addr the engine's Prometheus metrics are served on /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var reg prometheus.Registerer
		if watchMetricsAddr != "" {
			reg = prometheus.DefaultRegisterer
		}

		session, err := openSession(ctx, cfg, reg)
		if err != nil {
			return err
		}
		defer session.Close()

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer srv.Close()
			fmt.Printf("Metrics on http://%s/metrics\n", watchMetricsAddr)
		}

		if err := session.LoadConversations(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if watchConversation > 0 {
			if err := session.LoadMessages(ctx, watchConversation); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		events := make(chan chatsync.Snapshot, 16)
		sub := session.OnChange(forwardSnapshots(ctx, events))
		defer sub.Release()

		fmt.Println("Watching for messages. Press Ctrl+C to stop.")
		w := newWatchPrinter(cfg.Auth.UserID, session.Snapshot())
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-events:
				w.print(s)
			}
		}
	},
}

// forwardSnapshots returns a change listener that hands every snapshot to
// events, waiting for room until ctx is done.
func forwardSnapshots(ctx context.Context, events chan<- chatsync.Snapshot) func(chatsync.Snapshot) {
	return func(s chatsync.Snapshot) {
		select {
		case events <- s:
		case <-ctx.Done():
		}
	}
}

// watchPrinter prints what changed between two snapshots.
type watchPrinter struct {
	self     int64
	state    chatsync.ConnectionState
	lastSeen map[int64]int64
}

func newWatchPrinter(self int64, snap chatsync.Snapshot) *watchPrinter {
	w := &watchPrinter{self: self, state: snap.ConnectionState, lastSeen: make(map[int64]int64)}
	for _, c := range snap.Conversations {
		if c.LastMessage != nil {
			w.lastSeen[c.ConversationID] = c.LastMessage.MessageID
		}
	}
	return w
}

func (w *watchPrinter) print(snap chatsync.Snapshot) {
	if snap.ConnectionState != w.state {
		w.state = snap.ConnectionState
		fmt.Printf("-- %s\n", w.state)
	}
	for _, c := range snap.Conversations {
		if c.LastMessage == nil || c.LastMessage.MessageID == 0 {
			continue
		}
		if w.lastSeen[c.ConversationID] == c.LastMessage.MessageID {
			continue
		}
		w.lastSeen[c.ConversationID] = c.LastMessage.MessageID
		fmt.Printf("#%d ", c.ConversationID)
		printMessage(*c.LastMessage, w.self)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")

	watchCmd.Flags().Int64Var(&watchConversation, "conversation", 0, "Also keep this conversation open")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(openPeerCmd)
	rootCmd.AddCommand(openHostCmd)
	rootCmd.AddCommand(watchCmd)
}
