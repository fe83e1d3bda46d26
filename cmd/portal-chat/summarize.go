package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/internal/present"
	"github.com/gosuda/portal-chat/internal/session"
	"github.com/gosuda/portal-chat/internal/summary"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize recent history of one conversation",
	RunE:  runSummarize,
}

var (
	flagWith     string
	flagGroup    string
	flagSince    time.Duration
	flagPrompt   string
	flagSettle   time.Duration
	flagDeadline time.Duration
)

func init() {
	flags := summarizeCmd.Flags()
	flags.StringVar(&flagWith, "with", "", "peer of the direct chat to summarize")
	flags.StringVar(&flagGroup, "group", "", "id of the group chat to summarize")
	flags.DurationVar(&flagSince, "since", 24*time.Hour, "how far back to go")
	flags.StringVar(&flagPrompt, "prompt", "", "extra instructions for the summary")
	flags.DurationVar(&flagSettle, "settle", 2*time.Second, "quiet period that ends history replay")
	flags.DurationVar(&flagDeadline, "timeout", 2*time.Minute, "overall deadline")
	summarizeCmd.MarkFlagsMutuallyExclusive("with", "group")
	summarizeCmd.MarkFlagsOneRequired("with", "group")
}

func runSummarize(cmd *cobra.Command, args []string) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, flagDeadline)
	defer cancel()

	cl, err := startClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cl.close()
	defer cancel()

	if err := cl.waitRegistered(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := cl.waitQuiet(ctx, flagSettle); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	target := session.Direct(flagWith)
	if flagGroup != "" {
		target = session.Group(flagGroup)
	}
	snap, err := cl.sess.Snapshot()
	if err != nil {
		return err
	}
	c, err := cl.sess.Conversation(cl.sess.KeyOf(target))
	if errors.Is(err, session.ErrUnknownConversation) {
		return fmt.Errorf("no history with %s", target)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	b := summary.Builder{Loc: time.Local, Name: present.NamesOf(snap.Contacts).DisplayName}
	req, stats, err := b.Build(c.Messages, summary.Range{From: now.Add(-flagSince)}, flagPrompt)
	if err != nil {
		return err
	}
	log.Info().Str("conversation", string(c.Key)).Int("messages", stats.Count).Msg("[chat] requesting summary")

	text, err := summary.NewClient(cfg.SummaryURL(), cfg.Summary.Timeout.Duration()).Summarize(ctx, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintf(out, "%s\n\n%s\n", stats.Describe(now), text); err != nil {
		return err
	}
	return nil
}
