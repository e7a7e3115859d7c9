package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/cli"
	"github.com/aretw0/parley/pkg/domain"
)

var chatCmd = &cobra.Command{
	Use:   "chat <agent>",
	Short: "Talk to an agent in the terminal",
	Long: `Runs a conversation with an agent, reading one message per line.
Pass --conversation to resume an existing conversation; type exit to leave.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		rt, err := cli.NewRuntime(cfg, logger, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		conversationID, _ := cmd.Flags().GetString("conversation")
		userID, _ := cmd.Flags().GetString("user")
		history, _ := cmd.Flags().GetBool("history")
		fresh, _ := cmd.Flags().GetBool("fresh")
		if conversationID == "" {
			conversationID = uuid.NewString()
		}

		sigCtx := cli.NewSignalContext(cmd.Context())
		defer sigCtx.Cancel()

		if cfg.Agents.Watch {
			go func() {
				if err := rt.Engine.Watch(sigCtx); err != nil {
					logger.Error("Definition watch stopped", "err", err)
				}
			}()
		}

		if fresh {
			if err := rt.Engine.Reset(sigCtx, conversationID); err != nil {
				logger.Warn("Failed to reset conversation", "conversation", conversationID, "err", err)
			}
		}
		logger.Info("Conversation active", "agent", args[0], "conversation", conversationID)

		r := &parley.Runner{Input: os.Stdin, Output: cmd.OutOrStdout()}
		err = r.Run(sigCtx, rt.Engine, parley.ChatRequest{
			AgentID: args[0],
			Identity: domain.Identity{
				UserID:         userID,
				ConversationID: conversationID,
			},
			History: history,
		})
		if sig := sigCtx.Signal(); sig != nil {
			logger.Info("Conversation interrupted", "conversation", conversationID, "signal", sig)
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringP("conversation", "c", "", "Conversation ID to resume (default: a new one)")
	chatCmd.Flags().StringP("user", "u", "cli", "User ID owning the conversation")
	chatCmd.Flags().Bool("history", false, "Print the stored conversation before resuming")
	chatCmd.Flags().Bool("fresh", false, "Restart the conversation from its first step")
}
