package main

import (
	"fmt"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/spf13/cobra"
)

var apiKeyAdmin bool

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "manage API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create <principal>",
	Short: "create an API key and print its value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rwdb, err := store.InitDatabase(settings.Settings, false)
		if err != nil {
			return err
		}
		defer rwdb.Close()
		if err := store.RunMigrations(rwdb, settings.Settings.GooseDialect()); err != nil {
			return err
		}

		role := store.Operator
		if apiKeyAdmin {
			role = store.Admin
		}
		apiKeyService := service.NewAPIKeyService(
			store.NewAPIKeySQLiteStore(rwdb, rwdb),
			service.NewUUIDGen(),
		)
		ak, err := apiKeyService.CreateAPIKey(cmd.Context(), args[0], role)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ak.APIKeyID, ak.Value)
		return nil
	},
}

func init() {
	apiKeyCreateCmd.Flags().BoolVar(&apiKeyAdmin, "admin", false, "grant the admin role")
	apiKeyCmd.AddCommand(apiKeyCreateCmd)
}
