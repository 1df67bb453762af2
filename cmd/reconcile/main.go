package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/beanstalker/fulfillment/internal/audit"
	"github.com/beanstalker/fulfillment/internal/catalogfile"
	"github.com/beanstalker/fulfillment/internal/database"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL    = "database-url"
	flagStoreBackend   = "store-backend"
	flagCatalogPath    = "catalog-path"
	flagLimit          = "limit"
	flagUsername       = "username"
	envPrefix          = "RECONCILE"
	defaultDatabaseURL = "sqlite:///tmp/fulfillment.db"
	defaultCatalogPath = "catalog.toml"
	defaultLimit       = 50
)

type runtimeConfig struct {
	DatabaseURL  string
	StoreBackend string
	CatalogPath  string
}

type environment struct {
	service *fulfillment.Service
	close   func() error
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Operator tools for purchase fulfillment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database url (postgres://..., sqlite://path or a file path)")
	cmd.PersistentFlags().String(flagStoreBackend, database.BackendGORM, "store backend: gorm or pgx (postgres only)")
	cmd.PersistentFlags().String(flagCatalogPath, defaultCatalogPath, "product catalog TOML file")

	accounts := &cobra.Command{Use: "accounts", Short: "Inspect and register accounts"}
	accounts.AddCommand(newAccountsRegisterCommand(cfg), newAccountsShowCommand(cfg))
	mappings := &cobra.Command{Use: "mappings", Short: "Manage anonymous identity mappings"}
	mappings.AddCommand(newMappingsAddCommand(cfg))
	events := &cobra.Command{Use: "events", Short: "Review and replay webhook events"}
	events.AddCommand(newEventsUnresolvedCommand(cfg), newEventsReplayCommand(cfg))
	cmd.AddCommand(accounts, mappings, events)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range []string{flagDatabaseURL, flagStoreBackend, flagCatalogPath} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreBackend)))
	cfg.CatalogPath = strings.TrimSpace(v.GetString(flagCatalogPath))
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.CatalogPath == "" {
		return fmt.Errorf("%s is required", flagCatalogPath)
	}
	return nil
}

func openEnvironment(ctx context.Context, cfg *runtimeConfig) (*environment, error) {
	catalog, err := catalogfile.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	handle, err := database.Open(ctx, cfg.DatabaseURL, cfg.StoreBackend)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("logger init: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := fulfillment.NewService(handle.Store, catalog, clock,
		fulfillment.WithOperationLogger(audit.NewZapOperationLogger(logger)),
	)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("fulfillment service init: %w", err)
	}
	return &environment{
		service: service,
		close: func() error {
			_ = logger.Sync()
			return handle.Close()
		},
	}, nil
}

func withEnvironment(cmd *cobra.Command, cfg *runtimeConfig, fn func(ctx context.Context, env *environment) error) error {
	env, err := openEnvironment(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = env.close() }()
	return fn(cmd.Context(), env)
}

func newAccountsRegisterCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <account-id>",
		Short: "Create an application account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := fulfillment.NewAccountID(args[0])
			if err != nil {
				return err
			}
			username, _ := cmd.Flags().GetString(flagUsername)
			return withEnvironment(cmd, cfg, func(ctx context.Context, env *environment) error {
				if err := env.service.RegisterAccount(ctx, accountID, username); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s registered\n", accountID)
				return nil
			})
		},
	}
	cmd.Flags().String(flagUsername, "", "display username")
	return cmd
}

func newAccountsShowCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Print the balance and recent credit transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := fulfillment.NewAccountID(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt(flagLimit)
			return withEnvironment(cmd, cfg, func(ctx context.Context, env *environment) error {
				statement, err := env.service.AccountStatement(ctx, accountID, limit)
				if err != nil {
					return err
				}
				return printStatement(cmd.OutOrStdout(), statement)
			})
		},
	}
	cmd.Flags().Int(flagLimit, defaultLimit, "maximum transactions to list")
	return cmd
}

func newMappingsAddCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "add <anonymous-id> <account-id>",
		Short: "Bind an anonymous SDK identity to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			anonymousID, err := fulfillment.NewAnonymousID(args[0])
			if err != nil {
				return err
			}
			accountID, err := fulfillment.NewAccountID(args[1])
			if err != nil {
				return err
			}
			return withEnvironment(cmd, cfg, func(ctx context.Context, env *environment) error {
				status, err := env.service.RegisterMapping(ctx, anonymousID, accountID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mapping %s -> %s %s\n", anonymousID, accountID, status)
				return nil
			})
		},
	}
}

func newEventsUnresolvedCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unresolved",
		Short: "List webhook events whose purchaser could not be resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt(flagLimit)
			return withEnvironment(cmd, cfg, func(ctx context.Context, env *environment) error {
				records, err := env.service.UnresolvedEvents(ctx, limit)
				if err != nil {
					return err
				}
				return printEvents(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().Int(flagLimit, defaultLimit, "maximum events to list")
	return cmd
}

func newEventsReplayCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run unresolved webhook events after mappings were added",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt(flagLimit)
			return withEnvironment(cmd, cfg, func(ctx context.Context, env *environment) error {
				results, err := env.service.ReplayUnresolved(ctx, limit)
				if err != nil {
					return err
				}
				return printReplay(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().Int(flagLimit, defaultLimit, "maximum events to replay")
	return cmd
}

func printStatement(out io.Writer, statement fulfillment.Statement) error {
	account := statement.Account
	fmt.Fprintf(out, "account:    %s\n", account.AccountID)
	fmt.Fprintf(out, "username:   %s\n", account.Username)
	fmt.Fprintf(out, "balance:    %s\n", formatCents(account.BalanceCents))
	fmt.Fprintf(out, "membership: %t\n", account.MembershipActive)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "TRANSACTION\tPRODUCT\tAMOUNT\tCREATED")
	for _, transaction := range statement.Transactions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			transaction.RelatedTransactionID,
			transaction.ProductID,
			formatCents(transaction.AmountCents),
			formatUnix(transaction.CreatedUnixUTC),
		)
	}
	return writer.Flush()
}

func printEvents(out io.Writer, records []fulfillment.WebhookRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "EVENT\tTYPE\tTRANSACTION\tPRODUCT\tSUBJECT\tUPDATED")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			record.EventID,
			record.Type,
			record.TransactionID,
			record.ProductID,
			record.SubjectID,
			formatUnix(record.UpdatedUnixUTC),
		)
	}
	return writer.Flush()
}

func printReplay(out io.Writer, results []fulfillment.ReplayResult) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "EVENT\tOUTCOME\tACCOUNT\tCREDIT\tERROR")
	for _, result := range results {
		errorText := ""
		if result.Error != nil {
			errorText = result.Error.Error()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			result.EventID,
			result.Result.Outcome,
			result.Result.AccountID,
			formatCents(result.Result.CreditCents),
			errorText,
		)
	}
	return writer.Flush()
}

func formatCents(amount fulfillment.AmountCents) string {
	cents := amount.Int64()
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func formatUnix(unixUTC int64) string {
	if unixUTC == 0 {
		return "-"
	}
	return time.Unix(unixUTC, 0).UTC().Format(time.RFC3339)
}
