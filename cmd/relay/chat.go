package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	relay "github.com/relay-chat/relay-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(groupCreateCmd)
}

// terminalNotifier rings the bell and prints a one-line notification.
type terminalNotifier struct{}

func (terminalNotifier) Notify(title, body string) error {
	fmt.Printf("\a[%s] %s\n> ", title, body)
	return nil
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations [filter]",
	Short: "List conversations with unread counts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()

		session := newSession(logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Restore(ctx); err != nil {
			return fmt.Errorf("not signed in: %w", err)
		}
		defer func() { _ = session.Channel().Close() }()

		engine := relay.NewEngine(session, relay.WithLogger(logger))
		if err := engine.Start(ctx); err != nil {
			return err
		}
		if len(args) == 1 {
			engine.SetFilter(ctx, args[0])
		}
		printConversations(engine)
		return nil
	},
}

var groupCreateCmd = &cobra.Command{
	Use:   "group-create <name> <member,member,...>",
	Short: "Create a group conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()

		session := newSession(logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Restore(ctx); err != nil {
			return fmt.Errorf("not signed in: %w", err)
		}
		defer func() { _ = session.Channel().Close() }()

		members := strings.Split(args[1], ",")
		for i := range members {
			members[i] = strings.TrimSpace(members[i])
		}
		if err := session.Client().CreateGroup(ctx, args[0], members); err != nil {
			return fmt.Errorf("group creation failed: %w", err)
		}
		fmt.Println("Group created. Refresh the conversation list to see it.")
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat session",
	Long: `Interactive chat session.

Commands inside the session:
  /list              list conversations
  /filter <text>     filter the conversation list
  /open <id>         open a conversation
  /attach <path>     stage a file for the next send
  /export <path>     export the open timeline to a text file
  /quit              leave

Anything else is sent as a message to the open conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer func() { _ = logger.Sync() }()

		session := newSession(logger)
		ctx := context.Background()

		restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := session.Restore(restoreCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("not signed in (run 'relay login'): %w", err)
		}
		defer func() { _ = session.Channel().Close() }()

		engine := relay.NewEngine(session,
			relay.WithLogger(logger),
			relay.WithNotifier(terminalNotifier{}),
		)
		engine.SubscribeMessageArrived(func(m relay.Message) {
			if sel := engine.Selected(); sel != nil && sel.ID == m.ConversationID {
				fmt.Printf("\r%s: %s\n> ", m.From, m.Text)
			}
		})
		if err := engine.Start(ctx); err != nil {
			return err
		}

		fmt.Printf("Signed in as %s. Type /list to see conversations.\n", session.Identity().DisplayName)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "/quit":
				return nil
			case line == "/list":
				printConversations(engine)
			case strings.HasPrefix(line, "/filter"):
				engine.SetFilter(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/filter")))
				printConversations(engine)
			case strings.HasPrefix(line, "/open "):
				openConversation(ctx, engine, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			case strings.HasPrefix(line, "/attach "):
				stageAttachment(engine, strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
			case strings.HasPrefix(line, "/export "):
				exportTimeline(engine, strings.TrimSpace(strings.TrimPrefix(line, "/export ")))
			case line != "":
				engine.SetComposerText(line)
				if err := engine.Send(ctx); err != nil {
					fmt.Printf("send failed: %v\n", err)
				}
			}
			fmt.Print("> ")
		}
		return scanner.Err()
	},
}

func printConversations(engine *relay.Engine) {
	convs := engine.Directory().Conversations()
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.IsGroup {
			marker = "G"
		}
		name := c.Name
		if name == "" {
			name = c.ID
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%s %-24s %s%s\n", marker, name, c.LastMessage, unread)
	}
}

func openConversation(ctx context.Context, engine *relay.Engine, id string) {
	conv, ok := engine.Directory().Get(id)
	if !ok {
		conv = relay.Conversation{ID: id}
	}
	engine.Select(ctx, conv)

	// Give the history fetch a moment, then show the tail.
	time.Sleep(500 * time.Millisecond)
	msgs := engine.Timeline().Messages()
	start := 0
	if len(msgs) > 20 {
		start = len(msgs) - 20
	}
	for _, m := range msgs[start:] {
		fmt.Printf("%s: %s\n", m.From, m.Text)
	}
	status := engine.Presence().Get(id)
	if !conv.IsGroup {
		fmt.Printf("-- %s is %s --\n", id, status)
	}
}

func stageAttachment(engine *relay.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("cannot read %s: %v\n", path, err)
		return
	}
	engine.Attach(relay.Attachment{
		FileName: filepath.Base(path),
		MimeType: mimeTypeFor(path),
		Data:     data,
	})
	fmt.Printf("staged %s (%d bytes)\n", filepath.Base(path), len(data))
}

func exportTimeline(engine *relay.Engine, path string) {
	f, err := os.Create(path)
	if err != nil {
		fmt.Printf("cannot create %s: %v\n", path, err)
		return
	}
	defer f.Close()
	if err := engine.ExportTimeline(f); err != nil {
		fmt.Printf("export failed: %v\n", err)
		return
	}
	fmt.Printf("exported to %s\n", path)
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
