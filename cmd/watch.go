package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/parleylabs/parley/internal/store"
)

const senderColWidth = 14

func watchCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "watch <room-id>",
		Short: "Tail a room's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid room id: %w", err)
			}
			return runWatch(roomID, tail)
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 20, "messages of history to print first")
	return cmd
}

func runWatch(roomID int64, tail int) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Store().Close()

	room, err := svc.Store().GetAgent(roomID)
	if err != nil {
		return fmt.Errorf("room %d: %w", roomID, err)
	}
	fmt.Printf("watching room %d (%s) — ctrl-c to quit\n", roomID, room.Name)

	msgs, err := svc.Store().ListMessagesForRoom(roomID)
	if err != nil {
		return err
	}
	if tail > 0 && len(msgs) > tail {
		msgs = msgs[len(msgs)-tail:]
	}
	var lastSeq int64
	for _, m := range msgs {
		printMessage(m)
		lastSeq = m.Seq
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-ticker.C:
			fresh, err := svc.Store().ListMessagesForRoomSince(roomID, lastSeq)
			if err != nil {
				return err
			}
			for _, m := range fresh {
				printMessage(m)
				lastSeq = m.Seq
			}
		}
	}
}

// printMessage renders one transcript line with the sender column aligned
// by display width, so CJK names line up with ASCII ones.
func printMessage(m *store.Message) {
	sender := m.SenderName
	if m.Type == store.MessageSystem || m.Type == store.MessageStarter {
		sender = "·"
	}
	sender = runewidth.Truncate(sender, senderColWidth, "…")
	sender = runewidth.FillRight(sender, senderColWidth)

	content := m.Content
	if m.ReplyTo != nil {
		content = fmt.Sprintf("↩ #%d %s", *m.ReplyTo, content)
	}
	lines := strings.Split(content, "\n")
	fmt.Printf("%s %s │ %s\n", m.Timestamp.Local().Format("15:04:05"), sender, lines[0])
	for _, l := range lines[1:] {
		fmt.Printf("%s %s │ %s\n", strings.Repeat(" ", 8), strings.Repeat(" ", senderColWidth), l)
	}
}
