package main

import (
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/MrEthical07/delegauth"
	"github.com/MrEthical07/delegauth/credential"
	"github.com/MrEthical07/delegauth/internal/fakeexchange"
	"github.com/MrEthical07/delegauth/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const demoPrimaryToken = "demo-primary"

func newDemoCmd(opts *globalOptions) *cobra.Command {
	var accessTTL time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run login, organization switch, a call and logout against an in-process backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend := fakeexchange.NewBackend(fakeexchange.WithAccessTTL(accessTTL))
			backend.AddUser(demoPrimaryToken,
				credential.Profile{ID: "u-demo", Email: "demo@example.com", Active: true, EmailVerified: true},
				credential.Organization{ID: "acme", Name: "Acme"},
				credential.Organization{ID: "globex", Name: "Globex"},
			)
			srv := httptest.NewServer(backend.Handler())
			defer srv.Close()

			mr, err := miniredis.Run()
			if err != nil {
				return fmt.Errorf("start redis: %w", err)
			}
			defer mr.Close()
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			defer rdb.Close()

			cfg := fakeexchange.Config(srv.URL)
			cfg.Events = opts.cfg.Events
			cfg.Metrics = opts.cfg.Metrics
			opts.cfg = cfg
			opts.primaryToken = demoPrimaryToken

			s, err := opts.open(cmd, withBackend(store.NewRedisBackend(rdb)))
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			step := func(title string) { fmt.Fprintf(out, "\n== %s\n", title) }

			step("login")
			if err := s.facade.Sync(ctx); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if err := printView(out, opts.output, s.facade.View()); err != nil {
				return err
			}

			step("switch to globex")
			if err := s.facade.SwitchOrganization(ctx, "globex"); err != nil {
				return err
			}
			if err := printOrganizations(out, opts.output, s.facade.Organizations().State()); err != nil {
				return err
			}

			step("GET /me")
			res := s.facade.MakeAuthenticatedCall(ctx, "/me", delegauth.CallOptions{})
			if res.Error != nil {
				return fmt.Errorf("call: %w", res.Error)
			}
			if err := printCall(out, opts.output, res); err != nil {
				return err
			}

			step("logout")
			if err := s.facade.Logout(ctx); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			keys := len(mr.Keys())
			stats := backend.Stats()
			fmt.Fprintf(out, "redis keys left: %d\nbackend: %d exchange, %d refresh, %d organizations, %d api\n",
				keys, stats.Exchanges, stats.Refreshes, stats.Organizations, stats.APICalls)
			return nil
		},
	}
	cmd.Flags().DurationVar(&accessTTL, "access-ttl", time.Minute, "lifetime of issued access tokens")
	return cmd
}
