package cmds

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentchat/pkg/notify"
)

func newEventsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow chat events mirrored by another agentchat process",
	}

	var (
		kinds  []string
		asJSON bool
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print new transcript and state events from Redis Streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := a.settings.NotifySettings()
			if ns.Backend != notify.BackendRedis {
				return errors.New("events tail needs --events redis and --redis-addr")
			}
			bus, err := notify.Build(ns)
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			eg, ctx := errgroup.WithContext(ctx)
			for _, kind := range kinds {
				if kind != notify.KindTranscript && kind != notify.KindState {
					return errors.Errorf("unknown event kind %q", kind)
				}
				if err := bus.EnsureGroupAtTail(ctx, kind, ns.Group); err != nil {
					return err
				}
				events, err := notify.Follow(ctx, bus, kind)
				if err != nil {
					return err
				}
				eg.Go(func() error {
					for ev := range events {
						if err := printEvent(out, ev, asJSON); err != nil {
							return err
						}
					}
					return nil
				})
			}
			return eg.Wait()
		},
	}
	tail.Flags().StringSliceVar(&kinds, "kind", []string{notify.KindTranscript, notify.KindState}, "Event kinds to follow")
	tail.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON events")

	cmd.AddCommand(tail)
	return cmd
}

func printEvent(w io.Writer, ev notify.Event, asJSON bool) error {
	if asJSON {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	_, err := fmt.Fprintln(w, summarizeEvent(ev))
	return err
}

func summarizeEvent(ev notify.Event) string {
	head := fmt.Sprintf("#%d %s %s user=%s session=%s", ev.Seq, ev.Time.Format("15:04:05.000"), ev.Kind, ev.UserID, ev.SessionID)
	switch {
	case ev.Transcript != nil:
		s := fmt.Sprintf("%s version=%d entries=%d", head, ev.Transcript.Version, len(ev.Transcript.Messages))
		if tail, ok := ev.Transcript.Tail(); ok {
			s += fmt.Sprintf(" tail=%s %q", tail.Type, tail.Text)
		}
		return s
	case ev.State != nil:
		return fmt.Sprintf("%s connection=%s view=%s thinking=%t sessions=%d",
			head, ev.State.Connection, ev.State.View, ev.State.Thinking, len(ev.State.Sessions))
	default:
		return head
	}
}
