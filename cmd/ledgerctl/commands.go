package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/qs3c/credit_ledger/internal/pkg/cron"
	"github.com/qs3c/credit_ledger/internal/pkg/oss"
)

var errViolations = errors.New("conservation violations found")

func newReconcileCmd() *cobra.Command {
	var (
		userID int64
		upload bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "校验发放行守恒：amount = remaining + 已消耗",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			report, err := c.Credits.Reconcile(cmd.Context(), userID)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))

			if upload {
				client, err := oss.NewClient(&c.Config.OSS)
				if err != nil {
					return fmt.Errorf("init oss: %w", err)
				}
				name := "reconcile"
				if userID > 0 {
					name = fmt.Sprintf("reconcile-user-%d", userID)
				}
				key, err := client.UploadReport(name, data)
				if err != nil {
					return fmt.Errorf("upload report: %w", err)
				}
				url, err := client.GetSignedURL(key)
				if err != nil {
					return fmt.Errorf("sign report url: %w", err)
				}
				fmt.Fprintln(os.Stderr, "report:", url)
			}

			if !report.OK() {
				return fmt.Errorf("%w: %d", errViolations, len(report.Violations))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "只校验该用户，0 为全部")
	cmd.Flags().BoolVar(&upload, "upload", false, "上传报告到 OSS")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "立即执行一轮定时任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			return cron.NewService(c.Config.Cron, c.Freeze, c.Subs, c.Logger).RunNow(cmd.Context())
		},
	}
}

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user_id>",
		Short: "查看用户积分概览",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user_id %q", args[0])
			}

			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			summary, err := c.Credits.GetCreditSummary(cmd.Context(), userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}
