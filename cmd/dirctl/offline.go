package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/config"
	pkgcrypto "github.com/and161185/dirsync/internal/crypto"
	"github.com/and161185/dirsync/internal/crypto/secret"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/dirpath"
)

// argOrStdin returns args[0] or the first line of stdin.
func (a *app) argOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return a.readSecret("", true)
}

func encryptSecretCmd(a *app) *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "encrypt-secret [plaintext]",
		Short: "Seal a value for manager_password",
		Long: "Seal a value with the passphrase from --passphrase or " + config.PassphraseEnv + ".\n" +
			"The output goes into the configuration file as is.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				passphrase = os.Getenv(config.PassphraseEnv)
			}
			if passphrase == "" {
				return fmt.Errorf("need --passphrase or %s", config.PassphraseEnv)
			}
			plain, err := a.argOrStdin(args)
			if err != nil {
				return err
			}
			sealed, err := secret.Encrypt(passphrase, plain)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, secret.Prefix+sealed)
			return err
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase (defaults to "+config.PassphraseEnv+")")
	return cmd
}

func ntHashCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nt-hash [password]",
		Short: "Print the sambaNTPassword value of a password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.argOrStdin(args)
			if err != nil {
				return err
			}
			h, err := pkgcrypto.NTHashHex(pw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, h)
			return err
		},
	}
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath == "" {
		return nil, errors.New("need --config")
	}
	return config.Load(a.configPath)
}

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sample",
			Short: "Print a configuration document with every key set",
			RunE: func(cmd *cobra.Command, _ []string) error {
				b, err := config.Sample()
				if err != nil {
					return err
				}
				_, err = a.out.Write(b)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load --config, open sealed secrets and validate",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := a.loadConfig()
				if err != nil {
					if fields := config.ValidationFields(err); len(fields) > 0 {
						return fmt.Errorf("%w (fields: %v)", err, fields)
					}
					return err
				}
				_, err = fmt.Fprintf(a.out, "ok (mode %s)\n", cfg.EffectiveMode())
				return err
			},
		},
	)
	return cmd
}

// layout is every unit a configured tree needs.
func layout(p dirpath.Policy) []dirpath.Path {
	out := []dirpath.Path{
		p.UserBase.Child(dirpath.DeactivatedOU),
		p.UserBase.Child(dirpath.RestrictedOU),
	}
	if len(p.GroupBase) > 0 {
		out = append(out, p.GroupBase)
	}
	return out
}

func ouCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ou",
		Short: "Organizational unit maintenance",
	}
	var description string
	ensure := &cobra.Command{
		Use:   "ensure [path...]",
		Short: "Create missing units below the base DN",
		Long: "Create every missing unit of the given paths (\"ou=a,ou=b\" or \"a,b\").\n" +
			"Without arguments the user base, its deactivated and restricted units and the group base are created.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Directory.Enabled {
				return errors.New("directory is disabled in the configuration")
			}
			policy := cfg.Directory.Policy()
			paths := layout(policy)
			if len(args) > 0 {
				paths = paths[:0]
				for _, s := range args {
					paths = append(paths, dirpath.ParsePath(s))
				}
			}

			client, done, err := a.directory(cfg)
			if err != nil {
				return err
			}
			defer done()
			ous := directory.NewOUDAO(client, policy, zap.NewNop())

			for _, p := range paths {
				if len(p) == 0 {
					continue
				}
				if err := ous.CreateIfNotExistWithDescription(cmd.Context(), p, description); err != nil {
					return err
				}
				if _, err := fmt.Fprintln(a.out, policy.PathDN(p)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	ensure.Flags().StringVar(&description, "description", "", "description of units that get created")
	cmd.AddCommand(ensure)
	return cmd
}
