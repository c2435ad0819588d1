package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/nkkko/engine-tap/internal/tap"
	"github.com/nkkko/engine-tap/pkg/client"
	"github.com/nkkko/engine-tap/pkg/sse"
	"github.com/spf13/cobra"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var (
		names  []string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print classified tap events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			classifier, err := activity.NewClassifier(cfg.ToClassifierConfig())
			if err != nil {
				return err
			}

			subscribed := append(append(append([]string{tap.EventHeartbeat}, tap.DefaultNames...), classifier.Keys()...), cfg.Engine.Names...)
			subscribed = append(subscribed, names...)

			query := map[string]any{
				"interval": cfg.Engine.IntervalMs,
				"event":    cfg.Engine.Event,
			}
			if len(cfg.Engine.Listen) > 0 {
				query["listen"] = strings.Join(cfg.Engine.Listen, ",")
			}

			p := &printer{out: cmd.OutOrStdout(), classifier: classifier, json: asJSON}
			return cfg.NewClient().Tail(cmd.Context(), client.TailOptions{
				Path:    cfg.Engine.TapPath,
				Query:   query,
				Names:   dedupe(subscribed),
				Backoff: cfg.ToBackoff(),
			}, p.print)
		},
	}

	cmd.Flags().StringSliceVar(&names, "name", nil, "additional event names to subscribe to")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per event")
	return cmd
}

// printer writes one line per event
type printer struct {
	mu         sync.Mutex
	out        io.Writer
	classifier *activity.Classifier
	json       bool
}

type tailLine struct {
	Time   string `json:"time"`
	Source string `json:"source"`
	Name   string `json:"name"`
	ID     string `json:"id,omitempty"`
	Data   any    `json:"data"`
}

func (p *printer) print(ev sse.Event) {
	line := tailLine{
		Time:   ev.ReceivedAt.Format("15:04:05.000"),
		Source: p.classifier.Classify(ev.Name, ev.Data),
		Name:   ev.Name,
		ID:     ev.ID,
		Data:   ev.Data,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		b, err := json.Marshal(line)
		if err != nil {
			fmt.Fprintf(p.out, "{\"name\":%q,\"raw\":%q}\n", ev.Name, ev.Raw)
			return
		}
		fmt.Fprintln(p.out, string(b))
		return
	}
	fmt.Fprintf(p.out, "%s %-10s %-20s %s\n", line.Time, line.Source, line.Name, ev.Raw)
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
