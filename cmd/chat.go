package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/config"
	"github.com/Maximooch/penguin/internal/core"
	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var message string
	var sessionID string
	var imagePaths []string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the active agent",
		Long:  "Interactive chat REPL. With --message, sends a single message and prints the reply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message != "" {
				return runOneShot(cmd.Context(), message, sessionID, imagePaths)
			}
			return runChat(cmd.Context(), sessionID)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a stored session")
	cmd.Flags().StringArrayVarP(&imagePaths, "image", "i", nil, "attach an image file to --message (repeatable)")
	return cmd
}

func runOneShot(ctx context.Context, message, sessionID string, imagePaths []string) error {
	images, err := loadImages(imagePaths)
	if err != nil {
		return err
	}

	c, cleanup, err := bootCore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := c.Process(ctx, message, core.ProcessOptions{
		ConversationID: sessionID,
		MultiStep:      true,
		Images:         images,
	})
	if err != nil {
		return err
	}
	fmt.Println(result.AssistantResponse)
	return nil
}

// loadImages reads and normalizes local image files for submission.
func loadImages(paths []string) ([]providers.ImageContent, error) {
	var images []providers.ImageContent
	for _, path := range paths {
		img, err := providers.LoadImage(path)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	return images, nil
}

func runChat(ctx context.Context, sessionID string) error {
	c, cleanup, err := bootCore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if sessionID != "" {
		if err := c.LoadSession(ctx, sessionID); err != nil {
			return err
		}
	}

	// Render stream chunks as they arrive; the final response is printed
	// only when nothing was streamed.
	var streamed bool
	c.Events().Subscribe(protocol.EventStreamChunk, func(_ context.Context, ev bus.Event) error {
		chunk := ev.Payload.(protocol.StreamChunkPayload)
		if chunk.MessageType == protocol.ChunkAssistant {
			streamed = true
			fmt.Print(chunk.Chunk)
		}
		return nil
	}, bus.PriorityNormal)
	c.Events().Subscribe(protocol.EventToolResult, func(_ context.Context, ev bus.Event) error {
		result := ev.Payload.(protocol.ToolResultPayload)
		fmt.Fprintf(os.Stderr, "  [%s] %s\n", result.Action, result.Status)
		return nil
	}, bus.PriorityNormal)

	// Hot-reload: switching the default model in config takes effect on
	// the next turn.
	if cfgFile == "" {
		err := config.Watch(ctx, func(fresh *config.Config) {
			current := c.GetSystemInfo().ModelID
			if fresh.Model.Default != "" && fresh.Model.Default != current {
				if err := c.LoadModel(context.Background(), fresh.Model.Default); err != nil {
					fmt.Fprintf(os.Stderr, "model reload failed: %v\n", err)
				}
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "config watch unavailable: %v\n", err)
		}
	}

	info := c.GetSystemInfo()
	fmt.Fprintf(os.Stderr, "Penguin %s\n", Version)
	fmt.Fprintf(os.Stderr, "Agent: %s | Model: %s\n", info.ActiveAgent, info.ModelID)
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/new" for a new session, "/usage" for token usage`)
	fmt.Fprintln(os.Stderr)

	// First Ctrl+C interrupts the in-flight run; at the prompt it exits.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return nil
		}
		if handled, err := handleSlashCommand(ctx, c, input); handled {
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			}
			continue
		}

		streamed = false
		result, err := c.Process(ctx, input, core.ProcessOptions{
			Streaming: true,
			MultiStep: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		if streamed {
			fmt.Println()
		} else {
			fmt.Printf("\n%s\n", result.AssistantResponse)
		}
		if result.NeedsInput {
			fmt.Fprintln(os.Stderr, "(the agent needs clarification)")
		}
		fmt.Println()
	}
}

func handleSlashCommand(ctx context.Context, c *core.Core, input string) (bool, error) {
	if !strings.HasPrefix(input, "/") {
		return false, nil
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	switch cmd {
	case "new":
		conv, err := c.Conversation()
		if err != nil {
			return true, err
		}
		if err := conv.Reset(ctx); err != nil {
			return true, err
		}
		fmt.Fprintf(os.Stderr, "New session: %s\n\n", conv.SessionID())
		return true, nil
	case "usage":
		usage := c.GetTokenUsage()
		fmt.Fprintf(os.Stderr, "Tokens: %d / %d (%d truncations)\n", usage.CurrentTotal, usage.MaxTokens, usage.Truncations)
		for category, count := range usage.PerCategory {
			fmt.Fprintf(os.Stderr, "  %-12s %d\n", category, count)
		}
		fmt.Fprintln(os.Stderr)
		return true, nil
	case "checkpoint":
		id, err := c.CreateCheckpoint(ctx, arg, "")
		if err != nil {
			return true, err
		}
		fmt.Fprintf(os.Stderr, "Checkpoint created: %s\n\n", id)
		return true, nil
	case "rollback":
		if arg == "" {
			return true, fmt.Errorf("usage: /rollback <checkpoint-id>")
		}
		if err := c.RollbackToCheckpoint(ctx, arg); err != nil {
			return true, err
		}
		fmt.Fprintln(os.Stderr, "Rolled back.")
		return true, nil
	case "image":
		if arg == "" {
			return true, fmt.Errorf("usage: /image <path> [prompt]")
		}
		path, prompt, _ := strings.Cut(arg, " ")
		if prompt == "" {
			prompt = "Describe this image."
		}
		images, err := loadImages([]string{path})
		if err != nil {
			return true, err
		}
		result, err := c.Process(ctx, prompt, core.ProcessOptions{
			MultiStep: true,
			Images:    images,
		})
		if err != nil {
			return true, err
		}
		fmt.Printf("\n%s\n\n", result.AssistantResponse)
		return true, nil
	case "model":
		if arg == "" {
			return true, fmt.Errorf("usage: /model <model-id>")
		}
		if err := c.LoadModel(ctx, arg); err != nil {
			return true, err
		}
		fmt.Fprintf(os.Stderr, "Model: %s\n\n", arg)
		return true, nil
	default:
		return true, fmt.Errorf("unknown command /%s", cmd)
	}
}
