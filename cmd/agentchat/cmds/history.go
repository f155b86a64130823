package cmds

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/history"
	"github.com/go-go-golems/agentchat/pkg/ui"
)

func newHistoryCommand(a *app) *cobra.Command {
	var markdown bool
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session's history as transcript entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.settings.HTTPURL == "" {
				return agentapi.ErrMissingBaseURL
			}
			msgs, err := history.NewLoader(a.apiClient()).Load(cmd.Context(), a.settings.UserID, args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd, msgs, func(w io.Writer) error {
				if len(msgs) == 0 {
					_, err := fmt.Fprintln(w, history.EmptyText)
					return err
				}
				var opts []ui.PrinterOption
				if markdown {
					opts = append(opts, ui.WithMarkdown(markdownStyle(w), 100))
				}
				p, err := ui.NewPrinter(w, opts...)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					if _, err := fmt.Fprintln(w, p.RenderMessage(m)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	addOutputFlag(cmd)
	cmd.Flags().BoolVar(&markdown, "markdown", true, "Render agent messages as markdown in text output")
	return cmd
}
