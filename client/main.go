package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/dupahar-chat/pkg/api"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/session"
)

type app struct {
	cfg     config.Client
	logFile string

	logger  zerolog.Logger
	store   *session.Store
	session *session.Session
	api     *api.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[config.Client](ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	a := &app{cfg: cfg}
	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "chat-client",
		Short:             "Terminal client for one-to-one chat",
		SilenceUsage:      true,
		PersistentPreRunE: a.open,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.store.Close()
		},
	}
	// environment supplies the defaults, flags override
	f := root.PersistentFlags()
	f.StringVar(&a.cfg.APIURL, "api", a.cfg.APIURL, "api service base URL")
	f.StringVar(&a.cfg.GatewayURL, "gateway", a.cfg.GatewayURL, "gateway websocket URL")
	f.StringVar(&a.cfg.PollURL, "poll", a.cfg.PollURL, "gateway long-polling URL, empty to disable")
	f.StringVar(&a.cfg.StatePath, "state", a.cfg.StatePath, "local state database")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level")
	f.StringVar(&a.logFile, "log-file", "", "write logs to this file")

	root.AddCommand(a.registerCmd(), a.loginCmd(), a.logoutCmd(), a.whoamiCmd(), a.usersCmd(), a.chatCmd())
	return root
}

// open sets up logging and restores the stored identity.
func (a *app) open(cmd *cobra.Command, args []string) error {
	var out io.Writer = os.Stderr
	if a.logFile != "" {
		file, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		out = file
	} else if cmd.Name() == "chat" {
		// the UI owns the terminal
		out = io.Discard
	}
	a.logger = logging.Setup(a.cfg.LogLevel, a.logFile == "", out)

	store, err := session.OpenStore(a.cfg.StatePath)
	if err != nil {
		return err
	}
	a.store = store
	a.session = session.New(store, a.logger)
	if err := a.session.Restore(cmd.Context()); err != nil {
		return err
	}
	a.api = api.New(a.cfg.APIURL, a.cfg.HTTPTimeout)
	if id, err := a.session.Identity(); err == nil {
		a.api.SetToken(id.Token)
	}
	return nil
}

func (a *app) registerCmd() *cobra.Command {
	var name, phone, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api.Register(cmd.Context(), name, phone, password); err != nil {
				return err
			}
			return a.login(cmd, phone, password)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) loginCmd() *cobra.Command {
	var phone, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.login(cmd, phone, password)
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) login(cmd *cobra.Command, phone, password string) error {
	id, err := a.api.Login(cmd.Context(), phone, password)
	if err != nil {
		return err
	}
	if err := a.session.Login(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", id.DisplayName, id.Phone)
	return nil
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session.Logout(cmd.Context())
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.session.Identity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id.ID, id.DisplayName, id.Phone)
			return nil
		},
	}
}

func (a *app) usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the people you can chat with",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := a.session.Identity()
			if err != nil {
				return err
			}
			users, err := a.api.Users(cmd.Context(), me.ID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPHONE\tLAST SEEN")
			for _, u := range users {
				seen := "-"
				if u.LastSeen != nil {
					seen = u.LastSeen.Local().Format(time.RFC822)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.DisplayName, u.Phone, seen)
			}
			return w.Flush()
		},
	}
}

func (a *app) chatCmd() *cobra.Command {
	var with string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.chat(cmd.Context(), with)
		},
	}
	cmd.Flags().StringVar(&with, "with", "", "peer id, phone number or name")
	_ = cmd.MarkFlagRequired("with")
	return cmd
}

func (a *app) chat(ctx context.Context, with string) error {
	me, err := a.session.Identity()
	if err != nil {
		return errors.Wrap(err, "sign in first")
	}
	users, err := a.api.Users(ctx, me.ID)
	if err != nil {
		return err
	}
	peer, err := resolvePeer(users, with)
	if err != nil {
		return err
	}

	channel := realtime.New(a.cfg.GatewayURL, a.cfg.PollURL,
		realtime.WithBackoff(realtime.ExponentialBackoff(a.cfg.ReconnectMaxInterval)),
		realtime.WithLogger(a.logger),
	)
	updates := make(chan chat.Update, 64)
	client := chat.NewClient(me, channel, a.api,
		chat.WithLogger(a.logger),
		chat.WithTypingQuiet(a.cfg.TypingQuiet),
		chat.WithRemoteTypingTimeout(a.cfg.TypingRemoteTimeout),
		chat.WithUpdates(updates),
	)
	client.SelectPeer(peer.ID)

	g, gctx := errgroup.WithContext(ctx)
	program := tea.NewProgram(
		newChatModel(gctx, client, me, peer, updates, channel.State),
		tea.WithAltScreen(),
		tea.WithContext(gctx),
	)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			// the client failed first; its error is the one to report
			err = nil
		}
		if err == nil {
			err = errQuit
		}
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		log.Error().Err(err).Msg("chat session ended")
		return err
	}
	return nil
}

// errQuit stops the session when the user leaves the UI.
var errQuit = errors.New("quit")

var _ core = (*chat.Client)(nil)
