package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/portal-chat/internal/config"
	"github.com/gosuda/portal-chat/internal/present"
	"github.com/gosuda/portal-chat/internal/summary"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect, keep conversation state and serve it to local views",
	RunE:  runChat,
}

var (
	flagPort      int
	flagRelayURLs []string
	flagCredKey   string
	flagViewName  string
	flagConsole   bool
)

func init() {
	flags := runCmd.Flags()
	flags.IntVar(&flagPort, "port", -1, "optional local HTTP view port (negative to disable)")
	flags.StringSliceVar(&flagRelayURLs, "relay-url", nil, "portal relay base URL(s) to publish the view on; repeat or comma-separated (from env RELAY/RELAY_URL if set)")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key for the relay listener (base64 encoded)")
	flags.StringVar(&flagViewName, "view-name", "", "name the view is published under")
	flags.BoolVar(&flagConsole, "console", false, "render to the terminal and read commands from stdin")
}

// applyViewFlags copies view flags the running command defines and the
// user set.
func applyViewFlags(flags *pflag.FlagSet, c *config.Config) {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	if changed("port") {
		c.View.Port = flagPort
	}
	if changed("relay-url") {
		c.View.RelayURLs = splitURLs(flagRelayURLs)
	}
	if changed("cred-key") {
		c.View.CredKey = flagCredKey
	}
	if changed("view-name") {
		c.View.Name = flagViewName
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := startClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer cl.close()

	adapter := present.NewAdapter(time.Local)
	unsubscribe := cl.sess.Subscribe(adapter.Handle)
	defer unsubscribe()

	view := present.NewServer(cfg.View.Name, cl.sess, adapter, cl.metrics)
	if u := cfg.SummaryURL(); u != "" {
		view.EnableSummary(summary.NewClient(u, cfg.Summary.Timeout.Duration()))
	}
	handler := view.Handler()

	listeners, clients, err := listenRelays(cfg.View)
	if err != nil {
		stop()
		return err
	}
	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[chat] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if cfg.View.Port >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.View.Port), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[chat] serving view at http://127.0.0.1:%d", cfg.View.Port)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[chat] local http stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		for _, c := range clients {
			_ = c.Close()
		}
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("[chat] http server shutdown error")
			}
		}
		view.Close()
	}()

	if flagConsole {
		term := present.NewTerminal(cmd.OutOrStdout())
		unwatch := adapter.Watch(func(op present.RenderOp) {
			if err := term.Render(op); err != nil {
				log.Debug().Err(err).Msg("[chat] render")
			}
		})
		defer unwatch()
		c := &console{sess: cl.sess, term: term, out: cmd.OutOrStdout()}
		if err := c.run(ctx, cmd.InOrStdin()); err != nil {
			log.Warn().Err(err).Msg("[chat] console stopped")
		}
		stop()
	}

	<-ctx.Done()
	log.Info().Msg("[chat] shutdown complete")
	return nil
}

// listenRelays publishes the view on every relay in v, all under one
// credential.
func listenRelays(v config.ViewConfig) ([]net.Listener, []*sdk.RDClient, error) {
	if len(v.RelayURLs) == 0 {
		return nil, nil, nil
	}
	cred := sdk.NewCredential()
	if v.CredKey != "" {
		key, err := base64.StdEncoding.DecodeString(v.CredKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}
	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, u := range v.RelayURLs {
		client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
		if err != nil {
			log.Error().Err(err).Str("url", u).Msg("new client failed")
			continue
		}
		clients = append(clients, client)
		ln, err := client.Listen(cred, v.Name, []string{"http/1.1"})
		if err != nil {
			for _, c := range clients {
				_ = c.Close()
			}
			return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
		}
		listeners = append(listeners, ln)
		log.Info().Str("relay", u).Str("name", v.Name).Msg("[chat] view published")
	}
	if len(listeners) == 0 {
		return nil, nil, fmt.Errorf("no relay in %v accepted a client", v.RelayURLs)
	}
	return listeners, clients, nil
}

func splitURLs(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, p := range strings.Split(r, ",") {
			if u := strings.TrimSpace(p); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}
