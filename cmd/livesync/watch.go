package main

import (
	"encoding/json"
	"fmt"

	"github.com/eventdesk/livesync/internal/conn"
	"github.com/eventdesk/livesync/internal/live"
	"github.com/eventdesk/livesync/internal/rest"
	"github.com/eventdesk/livesync/internal/session"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <resource>",
	Short: "Follow a collection and print every change as a JSON line",
	Long: `watch fetches a snapshot of the collection, then applies pushed changes
until interrupted. Each change is written to stdout as one JSON object;
connection state changes are logged.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <resource>",
	Short: "Fetch a collection once and print it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshot,
}

func init() {
	for _, c := range []*cobra.Command{watchCmd, snapshotCmd} {
		c.Flags().StringToStringVarP(&query, "query", "q", nil, "snapshot query parameters, e.g. -q status=pending")
		c.ValidArgsFunction = func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return resourceNames(), cobra.ShellCompDirectiveNoFileComp
		}
	}
}

// openSession seeds the session from the configured token, and keeps it in
// sync with the token file when one is set.
func openSession() (*session.Store, func(), error) {
	sess := session.NewStore(cfg.Token)
	if cfg.TokenFile == "" {
		return sess, func() {}, nil
	}
	src, err := session.WatchFile(cfg.TokenFile, sess, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("watch token file: %w", err)
	}
	return sess, func() { src.Close() }, nil
}

func newClient(sess *session.Store) *rest.Client {
	return rest.New(cfg.HTTPBaseURL(), sess, rest.WithTimeout(cfg.HTTPTimeout), rest.WithLogger(logger))
}

func runWatch(cmd *cobra.Command, args []string) error {
	res, err := lookup(args[0])
	if err != nil {
		return err
	}

	sess, closeSession, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession()

	dialer := &conn.WebSocketDialer{
		URL:          cfg.WebSocketURL(),
		Credential:   sess.Credential,
		WriteTimeout: cfg.Heartbeat.WriteTimeout,
		PongTimeout:  cfg.Heartbeat.PongTimeout,
		PingInterval: cfg.Heartbeat.PingInterval,
	}
	hub := live.NewHub(sess, dialer, newClient(sess), logger, conn.WithBackoff(conn.Backoff{
		Base:   cfg.Reconnect.BaseDelay,
		Max:    cfg.Reconnect.MaxDelay,
		Factor: cfg.Reconnect.Factor,
	}))
	defer hub.Close()

	cancel := hub.Conn().Watch(func(s conn.State) {
		logger.Info().Str("state", s.String()).Msg("connection")
	})
	defer cancel()
	hub.Conn().Connect()

	logger.Info().Str("resource", res.name).Str("url", cfg.WebSocketURL()).Msg("watching")
	return res.watch(cmd.Context(), hub, queryValues(), cmd.OutOrStdout())
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	res, err := lookup(args[0])
	if err != nil {
		return err
	}

	sess, closeSession, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession()

	items, err := res.snapshot(cmd.Context(), newClient(sess), queryValues())
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", res.name, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}
