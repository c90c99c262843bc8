package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gaushala/shelter/internal/app"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Apply the schema and create the photo bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res := a.Setup.Bootstrap(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
}

func newResetAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-admin",
		Short: "Create the admin account or reset its password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			msg, err := a.Setup.EnsureAdmin(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", msg, a.Setup.AdminEmail())
			return nil
		},
	}
}

func buildApp() (*app.Application, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, log, version)
}
