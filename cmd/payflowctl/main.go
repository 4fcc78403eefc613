// Command payflowctl runs operational tasks against the payflow database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/antonminaichev/payflow/internal/app"
	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type opts struct {
	databaseURI string
	logLevel    string
}

func newRootCmd(out io.Writer) *cobra.Command {
	o := &opts{}
	root := &cobra.Command{
		Use:           "payflowctl",
		Short:         "Operate payflow orders, tasks and provisioning",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&o.databaseURI, "database", "d", "", "database connection string (defaults to DATABASE_URI)")
	root.PersistentFlags().StringVarP(&o.logLevel, "log-level", "l", "", "log level (defaults to LOG_LEVEL)")

	root.AddCommand(newTaskCmd(o), newReconcileCmd(o), newProvisionCmd(o), newOrderCmd(o))
	return root
}

// withApp builds the application from the environment, applies the flags and closes it
// after fn returns.
func withApp(ctx context.Context, o *opts, fn func(a *app.App) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if o.databaseURI != "" {
		cfg.DatabaseURI = o.databaseURI
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTaskCmd(o *opts) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage capacity-limited tasks"}

	var (
		id, title string
		capacity  int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				t, err := a.Tasks.CreateTask(cmd.Context(), id, title, capacity)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "task id")
	add.Flags().StringVar(&title, "title", "", "task title")
	add.Flags().IntVar(&capacity, "capacity", 20, "number of slots")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("title")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks with their remaining slots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				tasks, err := a.Tasks.ListTasks(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range tasks {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d/%d\t%s\n", t.ID, t.Remaining(), t.Capacity, t.Title)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newReconcileCmd(o *opts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <orderId>",
		Short: "Ask the provider for the state of an order and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				ord, err := a.Payments.Reconcile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ord)
			})
		},
	}
}

func newProvisionCmd(o *opts) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Run one provisioning sweep over incomplete jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				done, err := a.Entitlements.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed %d job(s)\n", done)
				return nil
			})
		},
	}
}

func newOrderCmd(o *opts) *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Inspect orders"}
	show := &cobra.Command{
		Use:   "show <orderId>",
		Short: "Print an order and its entitlements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				ord, err := a.Payments.GetOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				bundle, err := a.Store.GetBundle(cmd.Context(), ord.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"order": ord, "entitlements": bundle})
			})
		},
	}
	refunds := &cobra.Command{
		Use:   "refunds",
		Short: "List paid orders that were not provisioned and need a refund",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), o, func(a *app.App) error {
				orders, err := a.Store.ListRefundRequired(cmd.Context(), 0)
				if err != nil {
					return err
				}
				for _, ord := range orders {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s %s\n",
						ord.ID, ord.Status, ord.Provider, ord.ProviderSessionRef, ord.Amount.StringFixed(2), ord.Currency)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(show, refunds)
	return cmd
}
