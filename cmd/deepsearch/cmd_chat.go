package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/csiyang/ai-hero/internal/state"
	"github.com/csiyang/ai-hero/internal/types"
)

var chatUser string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd, chatShowCmd, chatDeleteCmd)
	chatCmd.PersistentFlags().StringVarP(&chatUser, "user", "u", "", "owner user ID (required)")
	chatCmd.MarkPersistentFlagRequired("user")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Inspect and delete stored chats",
}

func withChatStore(fn func(ctx context.Context, store *state.ChatStore) error) error {
	cfg := loadConfig()
	db, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(context.Background(), state.NewChatStore(db))
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's chats, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChatStore(func(ctx context.Context, store *state.ChatStore) error {
			list, err := store.ListChats(ctx, types.UserID(chatUser))
			if err != nil {
				return fmt.Errorf("list chats: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No chats found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print a chat transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChatStore(func(ctx context.Context, store *state.ChatStore) error {
			chat, err := store.GetChat(ctx, types.ChatID(args[0]), types.UserID(chatUser))
			if err != nil {
				return err
			}
			if chat == nil {
				return fmt.Errorf("chat not found: %s", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n\n", chat.Title)
			for _, m := range chat.Messages {
				fmt.Fprintf(out, "[%s]\n", m.Role)
				for _, p := range m.Parts {
					fmt.Fprintln(out, formatPart(p))
				}
				fmt.Fprintln(out)
			}
			return nil
		})
	},
}

func formatPart(p types.Part) string {
	switch p.Type {
	case types.PartText:
		return strings.TrimSpace(p.Text)
	case types.PartSource:
		if p.Source.Title != "" {
			return fmt.Sprintf("  source: %s (%s)", p.Source.URL, p.Source.Title)
		}
		return "  source: " + p.Source.URL
	case types.PartToolInvocation:
		inv := p.ToolInvocation
		return fmt.Sprintf("  tool %s [%s] %s", inv.ToolName, inv.State, inv.Args)
	default:
		return ""
	}
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChatStore(func(ctx context.Context, store *state.ChatStore) error {
			if err := store.DeleteChat(ctx, types.ChatID(args[0]), types.UserID(chatUser)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat %s deleted.\n", args[0])
			return nil
		})
	},
}
