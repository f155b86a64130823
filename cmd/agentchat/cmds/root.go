// Package cmds holds the agentchat cobra commands.
package cmds

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/config"
	"github.com/go-go-golems/agentchat/pkg/directory"
	"github.com/go-go-golems/agentchat/pkg/history"
	"github.com/go-go-golems/agentchat/pkg/logging"
	"github.com/go-go-golems/agentchat/pkg/persistence"
	"github.com/go-go-golems/agentchat/pkg/realtime"
	"github.com/go-go-golems/agentchat/pkg/session"
)

type app struct {
	settings *config.Settings
	closeLog func() error
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "agentchat",
		Short:         "Chat with a remote conversational agent service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			closeLog, err := logging.Init(logging.Settings{Level: s.LogLevel, Format: s.LogFormat, File: s.LogFile})
			if err != nil {
				return err
			}
			a.settings = s
			a.closeLog = closeLog
			log.Debug().Str("http_url", s.HTTPURL).Str("ws_url", s.WSURL).Str("user_id", s.UserID).Msg("settings loaded")
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	config.AddFlags(root)

	root.AddCommand(
		newChatCommand(a),
		newSessionsCommand(a),
		newHistoryCommand(a),
		newMockAgentCommand(a),
		newEventsCommand(a),
	)
	return root
}

func (a *app) apiClient() *agentapi.Client {
	return agentapi.NewClient(a.settings.HTTPURL)
}

// sessionIDStore opens the configured backend; the returned func closes it.
func (a *app) sessionIDStore(ctx context.Context) (*persistence.SessionIDStore, func() error, error) {
	st, closeFn, err := a.settings.OpenStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewSessionIDStore(st), closeFn, nil
}

func (a *app) newOrchestrator(ctx context.Context, ids *persistence.SessionIDStore) *session.Orchestrator {
	s := a.settings
	client := a.apiClient()
	return session.New(
		session.WithContext(ctx),
		session.WithUserID(s.UserID),
		session.WithDirectory(directory.New(client)),
		session.WithHistory(history.NewLoader(client)),
		session.WithSessionCreator(realtime.NewSessionCreator(s.WSURL)),
		session.WithChannelFactory(session.WebSocketChannels(s.WSURL)),
		session.WithSessionIDStore(ids),
		session.WithNoSessionPolicy(s.Policy()),
		session.WithReconnectDelay(s.ReconnectDelay),
		session.WithLogger(log.With().Str("component", "session").Logger()),
	)
}
