package main

import (
	"context"
	"fmt"
	"time"

	huddle "github.com/huddle-app/huddle/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendThread string

	// pin
	pinUnpin bool

	// typing
	typingFor time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd, pinCmd, typingCmd)
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "reply in the thread of this root message")
	pinCmd.Flags().BoolVar(&pinUnpin, "unpin", false, "unpin instead")
	typingCmd.Flags().DurationVar(&typingFor, "for", 5*time.Second, "how long to appear as typing")
}

// settle waits for an operation and reports its outcome.
func settle(op *huddle.Operation) (huddle.Settlement, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	st, err := op.Wait(ctx)
	if err != nil {
		return st, fmt.Errorf("waiting for server: %w", err)
	}
	if st.Err != nil {
		return st, st.Err
	}
	return st, nil
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <channel> <message>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup, err := getEngine(mustConfig())
		if err != nil {
			return err
		}
		defer cleanup()

		in := huddle.CreateMessageInput{ChannelID: args[0], Content: huddle.String(args[1])}
		if sendThread != "" {
			in.ParentMessageID = huddle.String(sendThread)
		}
		st, err := settle(engine.Send(in))
		if err != nil {
			return err
		}
		fmt.Printf("Message sent to #%s\n", args[0])
		fmt.Printf("  Message ID: %s\n", st.MessageID)
		return nil
	},
}

// ============================================================================
// pin
// ============================================================================

var pinCmd = &cobra.Command{
	Use:   "pin <message-id>",
	Short: "Pin or unpin a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup, err := getEngine(mustConfig())
		if err != nil {
			return err
		}
		defer cleanup()

		var op *huddle.Operation
		if pinUnpin {
			op = engine.Unpin(args[0])
		} else {
			op = engine.Pin(args[0])
		}
		st, err := settle(op)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", st.Kind, st.MessageID)
		return nil
	},
}

// ============================================================================
// typing
// ============================================================================

var typingCmd = &cobra.Command{
	Use:   "typing <channel>",
	Short: "Appear as typing in a channel for a while",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, cleanup, err := getEngine(mustConfig())
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), typingFor)
		defer cancel()
		view, err := engine.OpenView(ctx, huddle.WindowKey{ChannelID: args[0], Limit: 1})
		if err != nil {
			return err
		}
		defer view.Close()

		typing := engine.Typing(args[0])
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				typing.Stop()
				// Let the stop signal go out before the engine closes.
				time.Sleep(200 * time.Millisecond)
				fmt.Printf("Stopped typing in #%s\n", args[0])
				return nil
			case <-ticker.C:
				if view.State() == huddle.StateSubscribed {
					typing.Keystroke()
				}
			}
		}
	},
}
