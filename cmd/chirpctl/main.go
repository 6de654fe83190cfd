package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/chirpchat/internal/chat"
	"github.com/ent0n29/chirpchat/internal/config"
	"github.com/ent0n29/chirpchat/internal/logging"
	"github.com/ent0n29/chirpchat/internal/signature"
	"github.com/ent0n29/chirpchat/internal/store"
)

var (
	relayURL  string
	transport string
	storeKind string
	storePath string
	profile   string

	rootCmd = &cobra.Command{
		Use:           "chirpctl",
		Short:         "Terminal client for the chirpchat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE:  runChatCommand,
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print the archived conversation",
		Args:  cobra.NoArgs,
		RunE:  runHistoryCommand,
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete the archived conversation",
		Args:  cobra.NoArgs,
		RunE:  runClearCommand,
	}
	passCmd = &cobra.Command{
		Use:   "pass [passphrase]",
		Short: "Store the site passphrase sent with every request",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPassCommand,
	}
	systemCmd = &cobra.Command{
		Use:   "system [role]",
		Short: "Show or set the system role of a fresh conversation",
		RunE:  runSystemCommand,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&relayURL, "relay", "", "relay base URL (CHIRP_RELAY_URL)")
	pf.StringVar(&transport, "transport", "", "http or ws (CHIRP_TRANSPORT)")
	pf.StringVar(&storeKind, "store", "", "memory, file, badger or postgres (CHIRP_STORE)")
	pf.StringVar(&storePath, "store-path", "", "file or badger location (CHIRP_STORE_PATH)")
	pf.StringVar(&profile, "profile", "", "conversation namespace (CHIRP_PROFILE)")

	passCmd.Flags().Bool("clear", false, "forget the stored passphrase")

	rootCmd.AddCommand(chatCmd, historyCmd, clearCmd, passCmd, systemCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// clientEnv is everything a command needs: settings, the preference store
// and the restored conversation.
type clientEnv struct {
	cfg     config.ClientConfig
	log     zerolog.Logger
	kv      store.Store
	session *chat.Session
}

func flagOverrides(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			out[key] = value
		}
	}
	set("relay", "CHIRP_RELAY_URL", relayURL)
	set("transport", "CHIRP_TRANSPORT", transport)
	set("store", "CHIRP_STORE", storeKind)
	set("store-path", "CHIRP_STORE_PATH", storePath)
	set("profile", "CHIRP_PROFILE", profile)
	return out
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*clientEnv, error) {
	cfg, err := config.LoadClientWith(flagOverrides(cmd))
	if err != nil {
		return nil, err
	}
	return openEnvWith(ctx, cfg)
}

func openEnvWith(ctx context.Context, cfg config.ClientConfig) (*clientEnv, error) {
	log := logging.New(cfg.LogLevel, true)
	kv, err := store.NewStore(ctx, store.Config{
		Kind:        cfg.StoreKind,
		Path:        cfg.StorePath,
		DatabaseURL: cfg.DatabaseURL,
		Namespace:   cfg.Profile,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreKind, err)
	}
	session := chat.NewSession(chat.WithSessionLogger(log))
	session.Restore(ctx, kv)
	return &clientEnv{cfg: cfg, log: log, kv: kv, session: session}, nil
}

func (e *clientEnv) Close() error { return e.kv.Close() }

func (e *clientEnv) transport() (chat.Transport, error) {
	if e.cfg.Transport == "ws" {
		return chat.NewWSTransport(e.cfg.RelayURL)
	}
	return chat.NewHTTPTransport(e.cfg.RelayURL, nil), nil
}

func (e *clientEnv) controller(ctx context.Context, observers ...chat.Observer) (*chat.Controller, error) {
	tr, err := e.transport()
	if err != nil {
		return nil, err
	}
	draftPolicy, err := chat.ParseDraftPolicy(e.cfg.DraftPolicy)
	if err != nil {
		return nil, err
	}
	prefs, err := store.LoadPreferences(ctx, e.kv)
	if err != nil {
		e.log.Warn().Err(err).Msg("load preferences failed")
	}
	return chat.NewController(e.session, chat.ControllerConfig{
		Transport:         tr,
		Signer:            signature.Signer{Secret: e.cfg.SignSecret},
		Pass:              prefs.Pass,
		DefaultSystemRole: e.cfg.SystemRole,
		DraftPolicy:       draftPolicy,
		RequestTimeout:    e.cfg.RequestTimeout,
		Store:             e.kv,
		Observers:         observers,
		Logger:            e.log,
	})
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}
