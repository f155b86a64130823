package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/directory"
	"github.com/go-go-golems/agentchat/pkg/ui"
)

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or delete the user's sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.settings.HTTPURL == "" {
				return agentapi.ErrMissingBaseURL
			}
			ctx := cmd.Context()
			dir := directory.New(a.apiClient())
			sessions, err := dir.Load(ctx, a.settings.UserID)
			if err != nil {
				return err
			}

			current := ""
			if ids, closeStore, err := a.sessionIDStore(ctx); err == nil {
				current, _ = ids.Load(ctx)
				_ = closeStore()
			} else {
				log.Debug().Err(err).Msg("session id store unavailable")
			}

			return writeOutput(cmd, sessionsOutput{Sessions: sessions, Current: current}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, ui.RenderSessions(ui.DefaultStyles(), sessions, current))
				return err
			})
		},
	}
	addOutputFlag(list)

	var yes bool
	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.settings.HTTPURL == "" {
				return agentapi.ErrMissingBaseURL
			}
			ctx := cmd.Context()
			id := args[0]
			if !yes && isatty.IsTerminal(os.Stdin.Fd()) {
				ok, err := confirmDelete(os.Stdin, cmd.ErrOrStderr(), id)
				if err != nil {
					return err
				}
				if !ok {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return err
				}
			}
			msg, err := a.apiClient().DeleteSession(ctx, a.settings.UserID, id)
			if err != nil {
				return err
			}

			// Forget the remembered session so the next chat does not try to resume it.
			if ids, closeStore, err := a.sessionIDStore(ctx); err == nil {
				if cur, _ := ids.Load(ctx); cur == id {
					if err := ids.Clear(ctx); err != nil {
						log.Warn().Err(err).Msg("could not clear remembered session id")
					}
				}
				_ = closeStore()
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
			return err
		},
	}

	del.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(list, del)
	return cmd
}

type sessionsOutput struct {
	Sessions []agentapi.Session `json:"sessions" yaml:"sessions"`
	Current  string             `json:"current,omitempty" yaml:"current,omitempty"`
}

func confirmDelete(r io.Reader, w io.Writer, sessionID string) (bool, error) {
	prompt := &input.UI{Writer: w, Reader: r}
	answer, err := prompt.Ask(fmt.Sprintf("Delete session %s? [y/N]", sessionID), &input.Options{
		Default:     "n",
		HideDefault: true,
		Loop:        true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "confirm delete")
	}
	return answer == "y" || answer == "Y", nil
}
