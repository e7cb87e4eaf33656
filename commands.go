package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"statsfutbol.app/cloud/internal/activation"
	"statsfutbol.app/cloud/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and sync the plan catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date, %d plans synced\n", store.Dialect(), len(cfg.Plans))
		return nil
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect the plan catalog",
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		plans, err := store.ListPlans(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tMAX USERS\tRECURRING\tPRICE")
		for _, p := range plans {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", p.ID, p.Name, p.MaxUsers, p.Recurring, p.StripePriceID)
		}
		return tw.Flush()
	},
}

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "Manage license codes",
}

var (
	provisionName string
	provisionPlan string
)

var codesProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create a pending license and its redemption code",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		planID := provisionPlan
		if planID == "" {
			planID = cfg.DefaultPlanID
		}

		license, code, err := activation.New(store).ProvisionCode(cmd.Context(), provisionName, planID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "license %s (%s)\ncode    %s\n", license.ID, planID, code.Code)
		return nil
	},
}

var licensesCmd = &cobra.Command{
	Use:   "licenses",
	Short: "Operate on licenses",
}

var setStatusExpires string

var licensesSetStatusCmd = &cobra.Command{
	Use:   "set-status <license-id> <status>",
	Short: "Force a license status, e.g. after a manual refund",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.LicenseStatus(args[1])
		if !status.Valid() {
			return fmt.Errorf("invalid status %q", args[1])
		}

		var expiresAt *time.Time
		if setStatusExpires != "" {
			t, err := time.Parse(time.RFC3339, setStatusExpires)
			if err != nil {
				return fmt.Errorf("parse --expires: %w", err)
			}
			expiresAt = &t
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetStatus(cmd.Context(), args[0], status, expiresAt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "license %s is now %s\n", args[0], status)
		return nil
	},
}

func init() {
	plansCmd.AddCommand(plansListCmd)

	codesProvisionCmd.Flags().StringVar(&provisionName, "name", "", "team name shown on the license")
	codesProvisionCmd.Flags().StringVar(&provisionPlan, "plan", "", "plan id (defaults to DEFAULT_PLAN)")
	_ = codesProvisionCmd.MarkFlagRequired("name")
	codesCmd.AddCommand(codesProvisionCmd)

	licensesSetStatusCmd.Flags().StringVar(&setStatusExpires, "expires", "", "new expiry as RFC3339")
	licensesCmd.AddCommand(licensesSetStatusCmd)
}
