package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mahaj/dupahar-chat/pkg/api"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// verify_api registers two throwaway users against a running api service and
// walks the REST surface the client depends on.
func main() {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "verify_api",
		Short: "Smoke-test a running api service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup("info", true, nil)
			return verify(cmd.Context(), apiAddr)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://localhost:8081", "api service address")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func verify(ctx context.Context, apiAddr string) error {
	suffix := time.Now().UnixNano() % 1e8
	alice, err := signup(ctx, apiAddr, "Alice", fmt.Sprintf("+1555%08d", suffix))
	if err != nil {
		return err
	}
	bob, err := signup(ctx, apiAddr, "Bob", fmt.Sprintf("+1556%08d", suffix))
	if err != nil {
		return err
	}
	log.Info().Str("alice", alice.ID).Str("bob", bob.ID).Msg("registered")

	client := api.New(apiAddr, 10*time.Second)
	client.SetToken(alice.Token)

	users, err := client.Users(ctx, alice.ID)
	if err != nil {
		return errors.Wrap(err, "list users")
	}
	log.Info().Int("count", len(users)).Msg("listed users")

	sent, err := client.Send(ctx, alice.ID, bob.ID, "hello from verify_api")
	if err != nil {
		return errors.Wrap(err, "send")
	}
	log.Info().Str("id", sent.ID).Str("status", string(sent.Status)).Msg("sent message")

	history, err := client.History(ctx, alice.ID, bob.ID)
	if err != nil {
		return errors.Wrap(err, "history")
	}
	if len(history) != 1 || history[0].ID != sent.ID {
		return errors.Errorf("history has %d messages, want the one just sent", len(history))
	}
	log.Info().Int("count", len(history)).Msg("history ok")

	if err := client.ClearConversation(ctx, alice.ID, bob.ID); err != nil {
		return errors.Wrap(err, "clear")
	}
	history, err = client.History(ctx, alice.ID, bob.ID)
	if err != nil {
		return errors.Wrap(err, "history after clear")
	}
	if len(history) != 0 {
		return errors.Errorf("history has %d messages after clear", len(history))
	}
	log.Info().Msg("all checks passed")
	return nil
}

func signup(ctx context.Context, apiAddr, name, phone string) (model.Identity, error) {
	c := api.New(apiAddr, 10*time.Second)
	if err := c.Register(ctx, name, phone, "secret-"+phone); err != nil {
		return model.Identity{}, errors.Wrapf(err, "register %s", name)
	}
	id, err := c.Login(ctx, phone, "secret-"+phone)
	if err != nil {
		return model.Identity{}, errors.Wrapf(err, "login %s", name)
	}
	return id, nil
}
