package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/internal/present"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the live feed of a running client's view",
	RunE:  runWatch,
}

var flagViewURL string

func init() {
	flags := watchCmd.Flags()
	flags.IntVar(&flagPort, "port", -1, "local port of the running client's view")
	flags.StringVar(&flagViewURL, "view-url", "", "websocket URL of the view feed; overrides --port")
}

func viewFeedURL() (string, error) {
	if flagViewURL != "" {
		return flagViewURL, nil
	}
	if cfg.View.Port < 0 {
		return "", errors.New("set --port or --view-url to the view of a running client")
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.View.Port), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u, err := viewFeedURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial view %s: %w", u, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	log.Info().Str("url", u).Msg("[chat] watching view")
	return renderFeed(ctx, conn, present.NewTerminal(cmd.OutOrStdout()))
}

type opReader interface {
	ReadJSON(v any) error
}

// renderFeed prints ops until the feed closes.
func renderFeed(ctx context.Context, feed opReader, term *present.Terminal) error {
	for {
		var op present.RenderOp
		if err := feed.ReadJSON(&op); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read view feed: %w", err)
		}
		if err := term.Render(op); err != nil {
			return err
		}
	}
}
