package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	grpcserver "github.com/and161185/dirsync/internal/server/grpc"
)

// readSecret returns flagValue, or the first line of stdin when fromStdin is set.
func (a *app) readSecret(flagValue string, fromStdin bool) (string, error) {
	if !fromStdin {
		return flagValue, nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func loginCmd(a *app) *cobra.Command {
	var username, password string
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and save the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := a.readSecret(password, fromStdin)
			if err != nil {
				return err
			}
			if username == "" || pw == "" {
				return errors.New("need -u and -p (or --password-stdin)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()
			cl, done, err := a.client(ctx, true)
			if err != nil {
				return err
			}
			defer done()

			out, err := cl.Call(ctx, grpcserver.MethodLogin, map[string]any{"username": username, "password": pw})
			if err != nil {
				return err
			}
			fields := out.GetFields()
			exp := time.Now().Add(15 * time.Minute)
			if t, err := time.Parse(time.RFC3339, fields["expires_at"].GetStringValue()); err == nil {
				exp = t
			}
			if err := saveToken(fields["access_token"].GetStringValue(), exp); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, "ok")
			return err
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	cmd.Flags().BoolVar(&fromStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func reloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Request a reconciliation pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, grpcserver.MethodForceReload, nil)
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync engine state and the last pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, grpcserver.MethodSyncStatus, nil)
		},
	}
}

func waitCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the running refresh settles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, grpcserver.MethodWaitForSync, map[string]any{"timeout": wait.String()})
		},
	}
	cmd.Flags().DurationVar(&wait, "for", 10*time.Second, "maximum wait")
	return cmd
}

func userCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and manage accounts",
	}

	get := &cobra.Command{
		Use:   "get <username|id>",
		Short: "Show one account and its groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, grpcserver.MethodGetUser, map[string]any{"key": args[0]})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List every account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, grpcserver.MethodListUsers, nil)
		},
	}
	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate an account and move its entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, grpcserver.MethodDeactivateUser, map[string]any{"id": args[0]})
		},
	}
	reactivate := &cobra.Command{
		Use:   "reactivate <id>",
		Short: "Reactivate an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, grpcserver.MethodReactivateUser, map[string]any{"id": args[0]})
		},
	}

	var password string
	var fromStdin bool
	setPassword := &cobra.Command{
		Use:   "set-password <id>",
		Short: "Set the directory password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.readSecret(password, fromStdin)
			if err != nil {
				return err
			}
			if pw == "" {
				return errors.New("need -p (or --password-stdin)")
			}
			return a.call(cmd, grpcserver.MethodSetDirectoryPassword, map[string]any{"id": args[0], "password": pw})
		},
	}
	setPassword.Flags().StringVarP(&password, "password", "p", "", "new password")
	setPassword.Flags().BoolVar(&fromStdin, "password-stdin", false, "read the password from stdin")

	cmd.AddCommand(get, list, deactivate, reactivate, setPassword)
	return cmd
}

func groupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List every group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, grpcserver.MethodListGroups, nil)
		},
	}
}
