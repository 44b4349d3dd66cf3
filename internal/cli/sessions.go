package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/chat"
	"github.com/droverhq/drover/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted session transcripts",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		keys, err := store.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		msgs, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			printMessage(msg)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.Delete(args[0])
	},
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <key>",
	Short: "Rewrite a transcript, dropping corrupt lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Repair(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("repaired %s\n", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsRepairCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.New(cfg.SessionsDir)
}

func printMessage(msg chat.Message) {
	switch {
	case msg.Result != nil:
		status := "ok"
		if msg.Result.IsError {
			status = "error"
		}
		fmt.Printf("tool(%s, %s): %s\n", msg.Result.CallID, status, msg.Result.Content)
	case len(msg.ToolCalls) > 0:
		fmt.Printf("%s: %s\n", msg.Role, msg.Content)
		for _, call := range msg.ToolCalls {
			fmt.Printf("  call %s %s(%s)\n", call.ID, call.Name, call.ArgumentsJSON())
		}
	default:
		fmt.Printf("%s: %s\n", msg.Role, msg.Content)
	}
}
