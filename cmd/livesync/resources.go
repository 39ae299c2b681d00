package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"

	"github.com/eventdesk/livesync/internal/live"
	"github.com/eventdesk/livesync/internal/reconcile"
	"github.com/eventdesk/livesync/internal/rest"
	"github.com/spf13/cobra"
)

// resource erases a live.Resource's record type for the commands.
type resource struct {
	name     string
	path     string
	snapshot func(ctx context.Context, c *rest.Client, q url.Values) (any, error)
	watch    func(ctx context.Context, h *live.Hub, q url.Values, out io.Writer) error
}

var registry = map[string]resource{}

func register[T any](r live.Resource[T]) {
	registry[r.Name] = resource{
		name: r.Name,
		path: r.Path,
		snapshot: func(ctx context.Context, c *rest.Client, q url.Values) (any, error) {
			return rest.FetchSnapshot[T](ctx, c, r.Path, q)
		},
		watch: func(ctx context.Context, h *live.Hub, q url.Values, out io.Writer) error {
			return follow(ctx, h, r, q, out)
		},
	}
}

func init() {
	register(live.DeletionRequests)
	register(live.Events)
	register(live.Reports)
	register(live.Profiles)
	register(live.Notifications)
}

func lookup(name string) (resource, error) {
	r, ok := registry[name]
	if !ok {
		return resource{}, fmt.Errorf("unknown resource %q (see 'livesync resources')", name)
	}
	return r, nil
}

func resourceNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// changeLine is one line of watch output.
type changeLine struct {
	Change string `json:"change"`
	ID     string `json:"id,omitempty"`
	Record any    `json:"record,omitempty"`
	Items  any    `json:"items,omitempty"`
}

func follow[T any](ctx context.Context, h *live.Hub, r live.Resource[T], q url.Values, out io.Writer) error {
	f, err := live.Open(ctx, h, r, q)
	if err != nil {
		logger.Warn().Err(err).Str("resource", r.Name).Msg("initial snapshot failed, following pushes only")
	}
	defer f.Close()

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	emit := func(line changeLine) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(line); err != nil {
			logger.Error().Err(err).Msg("write change")
		}
	}

	f.Subscribe(func(c reconcile.Change) {
		line := changeLine{Change: c.Kind.String(), ID: c.ID}
		switch c.Kind {
		case reconcile.ChangeSeeded:
			line.Items = f.Items()
		case reconcile.ChangeUpserted:
			if rec, ok := f.Get(c.ID); ok {
				line.Record = rec
			}
		}
		emit(line)
	})
	emit(changeLine{Change: reconcile.ChangeSeeded.String(), Items: f.Items()})

	<-ctx.Done()
	return nil
}

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List the collections livesync can follow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		for _, name := range resourceNames() {
			fmt.Fprintf(out, "%-20s %s\n", name, registry[name].path)
		}
		return nil
	},
}

func queryValues() url.Values {
	if len(query) == 0 {
		return nil
	}
	q := url.Values{}
	for k, v := range query {
		q.Set(k, v)
	}
	return q
}
