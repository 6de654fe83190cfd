package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chirpchat/internal/chat"
	"github.com/ent0n29/chirpchat/internal/store"
)

func runChatCommand(cmd *cobra.Command, _ []string) error {
	env, err := openEnv(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	out := &syncWriter{out: cmd.OutOrStdout()}
	printer := &draftPrinter{out: out, session: env.session}
	ctrl, err := env.controller(cmd.Context(), chat.NewThrottledObserver(printer, chat.DefaultThrottle))
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	runErr := newREPL(ctrl, env.kv, out).run(cmd.Context(), cmd.InOrStdin(), interrupts)

	ctx, cancel := commandContext(cmd)
	defer cancel()
	if err := env.session.Snapshot(ctx, env.kv); err != nil {
		env.log.Warn().Err(err).Msg("persist conversation on exit failed")
	}
	return runErr
}

func runHistoryCommand(cmd *cobra.Command, _ []string) error {
	env, err := openEnv(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	out := cmd.OutOrStdout()
	if role := env.session.SystemRole(); role != "" {
		fmt.Fprintln(out, noticeText("system role: "+role))
	}
	printHistory(out, env.session.Turns())
	return nil
}

func runClearCommand(cmd *cobra.Command, _ []string) error {
	env, err := openEnv(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	return clearConversation(cmd, env)
}

func clearConversation(cmd *cobra.Command, env *clientEnv) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	env.session.Clear()
	if err := env.session.Snapshot(ctx, env.kv); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), noticeText("conversation cleared"))
	return nil
}

func runPassCommand(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	forget, _ := cmd.Flags().GetBool("clear")
	pass := ""
	switch {
	case forget:
	case len(args) == 1:
		pass = args[0]
	default:
		if pass, err = readLine(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	return savePass(cmd, env, pass)
}

func savePass(cmd *cobra.Command, env *clientEnv, pass string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	prefs, err := store.LoadPreferences(ctx, env.kv)
	if err != nil {
		return err
	}
	prefs.Pass = strings.TrimSpace(pass)
	if err := store.SavePreferences(ctx, env.kv, prefs); err != nil {
		return fmt.Errorf("save passphrase: %w", err)
	}
	msg := "passphrase saved"
	if prefs.Pass == "" {
		msg = "passphrase cleared"
	}
	fmt.Fprintln(cmd.OutOrStdout(), noticeText(msg))
	return nil
}

func runSystemCommand(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	return setSystemRole(cmd, env, strings.Join(args, " "))
}

func setSystemRole(cmd *cobra.Command, env *clientEnv, role string) error {
	out := cmd.OutOrStdout()
	if strings.TrimSpace(role) == "" {
		current := env.session.SystemRole()
		if current == "" {
			current = env.cfg.SystemRole + " (default)"
		}
		fmt.Fprintln(out, current)
		return nil
	}
	if !env.session.SetSystemRole(role) {
		return errors.New("the system role can only be changed before the first message; run clear first")
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	if err := env.session.Snapshot(ctx, env.kv); err != nil {
		return fmt.Errorf("save system role: %w", err)
	}
	fmt.Fprintln(out, noticeText("system role set"))
	return nil
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
