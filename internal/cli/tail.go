package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/logger"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

type tailOptions struct {
	url        string
	token      string
	collection string
	filter     string
	events     []string
}

func newTailCommand(opts *rootOptions) *cobra.Command {
	t := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a change feed collection and print events as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, t)
		},
	}
	cmd.Flags().StringVar(&t.url, "url", "ws://localhost:8080/v1/feed", "Feed endpoint")
	cmd.Flags().StringVar(&t.token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&t.collection, "collection", "notifications", "Collection to follow")
	cmd.Flags().StringVar(&t.filter, "filter", "", "Row filter such as user_id=eq.u1")
	cmd.Flags().StringSliceVar(&t.events, "events", nil, "Event types (insert, update); all when empty")
	return cmd
}

func runTail(cmd *cobra.Command, t *tailOptions) error {
	filter, err := feed.ParseFilter(t.filter)
	if err != nil {
		return err
	}
	var types []feed.EventType
	for _, e := range t.events {
		switch et := feed.EventType(strings.ToLower(strings.TrimSpace(e))); et {
		case feed.EventTypeInsert, feed.EventTypeUpdate:
			types = append(types, et)
		default:
			return fmt.Errorf("unknown event type %q", e)
		}
	}

	ctx := cmd.Context()
	remote, err := feed.Dial(ctx, t.url, t.token, logger.Log.Named("tail"))
	if err != nil {
		return err
	}
	defer remote.Close()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	handle, err := remote.Subscribe(t.collection, types, filter, func(e feed.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := writeEvent(out, e); err != nil {
			logger.Log.Named("tail").Warn("failed to print event", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	defer handle.Unsubscribe()

	fmt.Fprintln(out, headerStyle.Render("following "+t.collection)+" "+dimStyle.Render(filter.String()))
	select {
	case <-ctx.Done():
	case <-remote.Done():
		return fmt.Errorf("feed connection closed")
	}
	return nil
}

type tailEvent struct {
	Collection string                 `yaml:"collection"`
	Type       feed.EventType         `yaml:"type"`
	RowID      string                 `yaml:"row_id"`
	Time       string                 `yaml:"time"`
	Keys       map[string]string      `yaml:"keys,omitempty"`
	Row        map[string]interface{} `yaml:"row,omitempty"`
}

// writeEvent prints one event as a YAML document.
func writeEvent(w io.Writer, e feed.Event) error {
	te := tailEvent{
		Collection: e.Collection,
		Type:       e.Type,
		RowID:      e.RowID,
		Time:       time.UnixMilli(e.Ts).UTC().Format(time.RFC3339),
		Keys:       e.Keys,
	}
	if len(e.Row) > 0 {
		if err := json.Unmarshal(e.Row, &te.Row); err != nil {
			return fmt.Errorf("failed to decode row: %w", err)
		}
	}
	data, err := yaml.Marshal(te)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "---\n%s", data)
	return err
}
