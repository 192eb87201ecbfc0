package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MrEthical07/delegauth"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange the primary token for a delegated session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireToken(); err != nil {
				return err
			}
			if err := s.facade.Sync(cmd.Context()); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			return printView(cmd.OutOrStdout(), opts.output, s.facade.View())
		},
	}
}

// status never syncs: without a primary token a sync would clear the stored session.
func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return printView(cmd.OutOrStdout(), opts.output, s.facade.View())
		},
	}
}

func newRefreshCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the delegated credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.facade.Refresh(cmd.Context()); err != nil {
				return fmt.Errorf("refresh: %w", err)
			}
			return printView(cmd.OutOrStdout(), opts.output, s.facade.View())
		},
	}
}

func newOrgsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "List and switch organizations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List organizations of the delegated user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.restore(cmd.Context()); err != nil {
				return fmt.Errorf("load organizations: %w", err)
			}
			return printOrganizations(cmd.OutOrStdout(), opts.output, s.facade.Organizations().State())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "switch ORG_ID",
		Short: "Select the current organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.restore(cmd.Context()); err != nil {
				return fmt.Errorf("load organizations: %w", err)
			}
			if err := s.facade.SwitchOrganization(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printOrganizations(cmd.OutOrStdout(), opts.output, s.facade.Organizations().State())
		},
	})
	return cmd
}

func newCallCmd(opts *globalOptions) *cobra.Command {
	var (
		method  string
		data    string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "call PATH",
		Short: "Send an authenticated request to the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdr := http.Header{}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q: use 'Name: value'", h)
				}
				hdr.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}

			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			callOpts := delegauth.CallOptions{Method: strings.ToUpper(method), Header: hdr}
			if data != "" {
				callOpts.Body = []byte(data)
				if hdr.Get("Content-Type") == "" {
					hdr.Set("Content-Type", "application/json")
				}
			}
			res := s.facade.MakeAuthenticatedCall(cmd.Context(), args[0], callOpts)
			if res.Error != nil {
				return fmt.Errorf("call %s: %w", args[0], res.Error)
			}
			return printCall(cmd.OutOrStdout(), opts.output, res)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header 'Name: value' (repeatable)")
	return cmd
}

func newLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the delegated session and organization selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.facade.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), s.facade.View())
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return err
		},
	}
}

/*
====================================
OUTPUT
====================================
*/

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printView(w io.Writer, format string, v delegauth.CombinedView) error {
	if format == "json" {
		return writeJSON(w, v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Primary\t%s\n", yesNo(v.Primary.IsAuthenticated, "signed in", "signed out"))
	fmt.Fprintf(tw, "Delegated\t%s\n", v.Delegated.State)
	if p := v.Delegated.Profile; p != nil {
		fmt.Fprintf(tw, "User\t%s\n", describeUser(*p))
	}
	if !v.Delegated.ExpiresAt.IsZero() {
		fmt.Fprintf(tw, "Expires\t%s\n", v.Delegated.ExpiresAt.Local().Format(time.RFC3339))
	}
	if cur := v.Organization.Current; cur != nil {
		fmt.Fprintf(tw, "Organization\t%s\n", describeOrg(*cur))
	} else {
		fmt.Fprintf(tw, "Organization\t-\n")
	}
	fmt.Fprintf(tw, "Ready\t%s\n", yesNo(v.IsFullyAuthenticated, "yes", "no"))
	if v.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", v.Error)
	}
	return tw.Flush()
}

func printOrganizations(w io.Writer, format string, st delegauth.OrganizationState) error {
	if format == "json" {
		return writeJSON(w, st)
	}
	if len(st.Organizations) == 0 {
		_, err := fmt.Fprintln(w, "No organizations.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME")
	for _, org := range st.Organizations {
		marker := ""
		if st.Current != nil && st.Current.ID == org.ID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", marker, org.ID, org.Name)
	}
	return tw.Flush()
}

func printCall(w io.Writer, format string, res delegauth.CallResult) error {
	if format == "json" {
		var body any
		if err := res.DecodeJSON(&body); err != nil {
			body = string(res.Data)
		}
		return writeJSON(w, map[string]any{"status": res.StatusCode, "body": body})
	}
	if _, err := w.Write(res.Data); err != nil {
		return err
	}
	if len(res.Data) > 0 && res.Data[len(res.Data)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func describeUser(p delegauth.UserProfile) string {
	switch {
	case p.Email != "":
		return fmt.Sprintf("%s (%s)", p.Email, p.ID)
	case p.Name != "":
		return fmt.Sprintf("%s (%s)", p.Name, p.ID)
	}
	return p.ID
}

func describeOrg(o delegauth.Organization) string {
	if o.Name == "" {
		return o.ID
	}
	return fmt.Sprintf("%s (%s)", o.Name, o.ID)
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
