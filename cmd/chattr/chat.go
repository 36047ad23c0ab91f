package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	chattr "github.com/BalaSubramaniam12007/Chattr"
	"github.com/spf13/cobra"
)

var (
	chatListFilter string
	chatListJSON   bool

	chatPeersFilter string
	chatPeersJSON   bool

	chatMessagesJSON bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
	Long:  "List conversations, browse peers, send messages, and chat live.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session, _, teardown, err := connectSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer teardown()

		dir := chattr.NewDirectory(session)
		if err := dir.Load(ctx); err != nil {
			return err
		}

		// Give the initial presence snapshot a moment to land so the online
		// markers are meaningful.
		time.Sleep(300 * time.Millisecond)

		convs := dir.FilterByParticipantName(chatListFilter)
		if chatListJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			marker := " "
			if dir.IsOnline(c, session.Presence()) {
				marker = "*"
			}
			other := c.Other(session.User.ID)
			fmt.Printf("%s %s  %s\n", marker, c.ID, other.Username)
		}
		return nil
	},
}

// ============================================================================
// chat peers
// ============================================================================

var chatPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List users you can start a conversation with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.ListProfiles(ctx, cfg.Auth.UserID)
		if err != nil {
			return err
		}

		if chatPeersFilter != "" {
			filtered := users[:0]
			for _, u := range users {
				if strings.HasPrefix(strings.ToLower(u.Username), strings.ToLower(chatPeersFilter)) {
					filtered = append(filtered, u)
				}
			}
			users = filtered
		}

		if chatPeersJSON {
			b, _ := json.MarshalIndent(users, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			line := fmt.Sprintf("  %s  %s", u.ID, u.Username)
			if u.Bio != "" {
				line += "  - " + u.Bio
			}
			fmt.Println(line)
		}
		return nil
	},
}

// ============================================================================
// chat messages
// ============================================================================

var chatMessagesCmd = &cobra.Command{
	Use:   "messages <username>",
	Short: "Print the message history with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session := chattr.NewSession(chattr.User{
			ID:       cfg.Auth.UserID,
			Username: cfg.Auth.Username,
		}, client, nil, cliLogger())

		dir := chattr.NewDirectory(session)
		if err := dir.Load(ctx); err != nil {
			return err
		}
		peer, err := resolvePeer(ctx, dir, args[0])
		if err != nil {
			return err
		}
		conv, err := dir.FindOrCreate(ctx, peer.ID)
		if err != nil {
			return err
		}

		msgs, err := client.ListMessages(ctx, conv.ID)
		if err != nil {
			return err
		}

		if chatMessagesJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(session.User.ID, peer.Username, *m)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <username> <text>",
	Short: "Send a single message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		session, _, teardown, err := connectSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer teardown()

		dir := chattr.NewDirectory(session)
		if err := dir.Load(ctx); err != nil {
			return err
		}
		peer, err := resolvePeer(ctx, dir, args[0])
		if err != nil {
			return err
		}
		conv, err := dir.FindOrCreate(ctx, peer.ID)
		if err != nil {
			return err
		}

		store := chattr.NewMessageStore(session)
		if err := store.Open(ctx, conv); err != nil {
			return err
		}
		defer store.Close()

		if err := store.Send(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Sent to %s.\n", peer.Username)
		return nil
	},
}

// ============================================================================
// chat with
// ============================================================================

var chatWithCmd = &cobra.Command{
	Use:   "with <username>",
	Short: "Open a live chat session",
	Long:  "Open the conversation with a user and chat interactively.\nIncoming messages print as they arrive; type a line to send, /quit to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		ctx := context.Background()
		session, _, teardown, err := connectSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer teardown()

		dir := chattr.NewDirectory(session)
		if err := dir.Load(ctx); err != nil {
			return err
		}
		peer, err := resolvePeer(ctx, dir, args[0])
		if err != nil {
			return err
		}
		conv, err := dir.FindOrCreate(ctx, peer.ID)
		if err != nil {
			return err
		}

		store := chattr.NewMessageStore(session)

		// Print only rows that are new since the last render; confirmations
		// of our own optimistic sends are skipped because the optimistic
		// append already printed them.
		var renderMu sync.Mutex
		printed := make(map[string]bool)
		render := func() {
			renderMu.Lock()
			defer renderMu.Unlock()
			for _, m := range store.Messages() {
				key := m.CorrelationID
				if key == "" {
					key = m.ID
				}
				if printed[key] {
					continue
				}
				printed[key] = true
				printMessage(session.User.ID, peer.Username, m)
			}
		}
		store.SetOnChange(func() {
			render()
			// Whatever just arrived is on screen, so it counts as seen.
			go store.MarkVisibleAsRead(context.Background())
		})

		if err := store.Open(ctx, conv); err != nil {
			return err
		}
		defer store.Close()

		if err := store.MarkVisibleAsRead(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		fmt.Printf("Chatting with %s. Type /quit to leave.\n", peer.Username)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "/quit" {
				break
			}
			if err := store.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

// ============================================================================
// Helpers
// ============================================================================

// resolvePeer matches ident against user IDs and usernames.
func resolvePeer(ctx context.Context, dir *chattr.Directory, ident string) (*chattr.User, error) {
	users, err := dir.Peers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.ID == ident || strings.EqualFold(u.Username, ident) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no user found matching %q", ident)
}

func printMessage(selfID, peerName string, m chattr.Message) {
	who := peerName
	if m.SenderID == selfID {
		who = "you"
	}
	status := ""
	if !m.Confirmed() {
		status = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content, status)
}

func init() {
	chatListCmd.Flags().StringVar(&chatListFilter, "filter", "", "Filter by participant name prefix")
	chatListCmd.Flags().BoolVar(&chatListJSON, "json", false, "Output raw JSON")

	chatPeersCmd.Flags().StringVar(&chatPeersFilter, "filter", "", "Filter by username prefix")
	chatPeersCmd.Flags().BoolVar(&chatPeersJSON, "json", false, "Output raw JSON")

	chatMessagesCmd.Flags().BoolVar(&chatMessagesJSON, "json", false, "Output raw JSON")

	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatPeersCmd)
	chatCmd.AddCommand(chatMessagesCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWithCmd)

	rootCmd.AddCommand(chatCmd)
}
