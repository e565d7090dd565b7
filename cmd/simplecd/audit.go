package main

import (
	"errors"
	"fmt"

	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "inspect the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "verify the hash chain of the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := store.InitDatabase(settings.Settings, true)
		if err != nil {
			return err
		}
		defer rdb.Close()

		auditLog := audit.NewLog(store.NewAuditSQLiteStore(rdb, rdb))
		defer auditLog.Close()

		checked, err := auditLog.Verify(cmd.Context())
		var chainErr *audit.ChainError
		if errors.As(err, &chainErr) {
			fmt.Fprintf(cmd.OutOrStdout(), "chain broken at event %d: %s\n", chainErr.Seq, chainErr.Reason)
			return err
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d events verified\n", checked)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}
