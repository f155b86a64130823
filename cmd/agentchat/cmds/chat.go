package cmds

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentchat/pkg/notify"
	"github.com/go-go-golems/agentchat/pkg/session"
	"github.com/go-go-golems/agentchat/pkg/ui"
)

const chatHelp = `Commands:
  /new                   create a new session and switch to it
  /switch <id|#>         switch to a session (id or list number)
  /delete <id|#>         delete a session
  /sessions              list sessions
  /image <file> [prompt] send an image with an optional prompt
  /audio <file>          send an audio clip
  /help                  show this help
  /quit                  leave
Anything else is sent as a text message.`

func newChatCommand(a *app) *cobra.Command {
	var (
		sessionID   string
		historyFile string
		plain       bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat with the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.settings.Validate(); err != nil {
				// Missing endpoints are reported inside the transcript.
				log.Warn().Err(err).Msg("configuration is incomplete")
			}
			return a.runChat(cmd.Context(), chatOptions{
				sessionID:   sessionID,
				historyFile: historyFile,
				plain:       plain,
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to open instead of the remembered one")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "Keep readline input history in this file")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable colors and markdown rendering")
	return cmd
}

type chatOptions struct {
	sessionID   string
	historyFile string
	plain       bool
}

func (a *app) runChat(ctx context.Context, opts chatOptions) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "› ",
		HistoryFile:     opts.historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return errors.Wrap(err, "readline")
	}
	defer func() { _ = rl.Close() }()
	out := rl.Stdout()

	ids, closeStore, err := a.sessionIDStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	o := a.newOrchestrator(ctx, ids)
	defer func() { _ = o.Close() }()

	printerOpts := []ui.PrinterOption{}
	if opts.plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		printerOpts = append(printerOpts, ui.WithStyles(ui.PlainStyles()))
	} else {
		printerOpts = append(printerOpts, ui.WithMarkdown(markdownStyle(os.Stdout), 100))
	}
	printer, err := ui.NewPrinter(out, printerOpts...)
	if err != nil {
		return err
	}
	detach := printer.Attach(o)
	defer detach()

	bus, err := notify.Build(a.settings.NotifySettings())
	if err != nil {
		return err
	}
	if bus != nil {
		bridge := notify.Attach(o, bus)
		defer func() {
			bridge.Stop()
			_ = bus.Close()
		}()
	}

	r := &repl{o: o, out: out, styles: printerStyles(opts.plain)}

	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	eg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		return rl.Close()
	})
	eg.Go(func() error {
		defer close(done)
		if err := o.InitializeAndConnect(ctx, opts.sessionID, false); err != nil {
			log.Debug().Err(err).Msg("initial connect failed")
		}
		for {
			line, err := rl.Readline()
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				if strings.TrimSpace(line) == "" {
					return nil
				}
				continue
			case errors.Is(err, io.EOF):
				return nil
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "read input")
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				log.Debug().Err(err).Str("line", line).Msg("command failed")
			}
			if quit {
				return nil
			}
		}
	})
	return eg.Wait()
}

func printerStyles(plain bool) ui.Styles {
	if plain {
		return ui.PlainStyles()
	}
	return ui.DefaultStyles()
}

func markdownStyle(w io.Writer) string {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "dark"
	}
	return "notty"
}

// repl turns input lines into orchestrator operations. Failures are already
// surfaced in the transcript, so handle only returns them for logging.
type repl struct {
	o      *session.Orchestrator
	out    io.Writer
	styles ui.Styles
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.o.SendTextMessage(line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.println(chatHelp)
		return false, nil
	case "/new":
		return false, r.o.CreateNewSession(ctx, "")
	case "/switch", "/delete":
		if len(args) != 1 {
			r.println("usage: " + cmd + " <session-id|#>")
			return false, nil
		}
		id := r.resolveSession(args[0])
		if cmd == "/switch" {
			return false, r.o.SwitchSession(ctx, "", id)
		}
		return false, r.o.DeleteSession(ctx, "", id)
	case "/sessions":
		err = r.o.RefreshSessions(ctx)
		st := r.o.State()
		r.println(ui.RenderSessions(r.styles, st.Sessions, st.SessionID))
		return false, err
	case "/image":
		if len(args) < 1 {
			r.println("usage: /image <file> [prompt]")
			return false, nil
		}
		data, mimeType, err := readMedia(args[0], "image/")
		if err != nil {
			r.println(r.styles.Error.Render(err.Error()))
			return false, err
		}
		return false, r.o.SendImageMessage(data, mimeType, strings.Join(args[1:], " "))
	case "/audio":
		if len(args) != 1 {
			r.println("usage: /audio <file>")
			return false, nil
		}
		data, mimeType, err := readMedia(args[0], "audio/")
		if err != nil {
			r.println(r.styles.Error.Render(err.Error()))
			return false, err
		}
		return false, r.o.SendAudioMessage(data, mimeType)
	default:
		r.println("unknown command " + cmd + ", try /help")
		return false, nil
	}
}

// resolveSession maps a 1-based list number to a session id.
func (r *repl) resolveSession(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	sessions := r.o.Directory().Sessions()
	if n >= 1 && n <= len(sessions) {
		return sessions[n-1].SessionID
	}
	return arg
}

func (r *repl) println(s string) {
	_, _ = fmt.Fprintln(r.out, s)
}

// readMedia loads a file as base64 and works out its mime type from the
// extension, falling back to content sniffing.
func readMedia(path, wantPrefix string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", errors.Wrapf(err, "read %s", path)
	}
	if len(raw) == 0 {
		return "", "", errors.Errorf("%s is empty", path)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(raw)
	}
	if !strings.HasPrefix(mimeType, wantPrefix) {
		return "", "", errors.Errorf("%s does not look like %s* (detected %s)", path, wantPrefix, mimeType)
	}
	return base64.StdEncoding.EncodeToString(raw), mimeType, nil
}
