package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Mad-Labs42/ZED42/internal/config"
	"github.com/Mad-Labs42/ZED42/internal/ledger"
	"github.com/Mad-Labs42/ZED42/internal/rates"
	"github.com/Mad-Labs42/ZED42/internal/router"
)

// openLedger builds a ledger service over the configured database for
// offline admin commands.
func openLedger() (*ledger.Service, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := ledger.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	entries, err := cfg.RateEntries()
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	svc := ledger.NewService(store, rates.NewTable(entries), cfg.Ledger.LeaseTTL)
	return svc, cfg, func() { store.Close() }, nil
}

func budgetFromConfig(b config.BudgetConfig) (ledger.Budget, error) {
	hard, err := decimal.NewFromString(b.HardLimit)
	if err != nil {
		return ledger.Budget{}, fmt.Errorf("entity %q hard limit: %w", b.EntityID, err)
	}
	soft := hard
	if b.SoftLimit != "" {
		soft, err = decimal.NewFromString(b.SoftLimit)
		if err != nil {
			return ledger.Budget{}, fmt.Errorf("entity %q soft limit: %w", b.EntityID, err)
		}
	}
	return ledger.Budget{
		EntityID:  b.EntityID,
		HardLimit: hard,
		SoftLimit: soft,
		Currency:  "USD",
		Status:    ledger.BudgetActive,
	}, nil
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and manage entity budgets",
}

var budgetShowCmd = &cobra.Command{
	Use:   "show <entity>",
	Short: "Show an entity's budget position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openLedger()
		if err != nil {
			return err
		}
		defer closeFn()

		snap, err := svc.Snapshot(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var (
	budgetHard     string
	budgetSoft     string
	budgetCurrency string
)

var budgetSetCmd = &cobra.Command{
	Use:   "set <entity>",
	Short: "Create or update an entity budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openLedger()
		if err != nil {
			return err
		}
		defer closeFn()

		budget, err := budgetFromConfig(config.BudgetConfig{
			EntityID:  args[0],
			HardLimit: budgetHard,
			SoftLimit: budgetSoft,
		})
		if err != nil {
			return err
		}
		if budgetCurrency != "" {
			budget.Currency = budgetCurrency
		}

		ctx := context.Background()
		if snap, err := svc.Snapshot(ctx, args[0]); err == nil {
			budget.Spent = snap.Spent
		}
		if err := svc.SetBudget(ctx, budget); err != nil {
			return err
		}
		fmt.Printf("Budget for %s: hard=%s soft=%s\n", args[0], budget.HardLimit, budget.SoftLimit)
		return nil
	},
}

var budgetFreezeCmd = &cobra.Command{
	Use:   "freeze <entity>",
	Short: "Reject all new leases for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openLedger()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := svc.FreezeBudget(context.Background(), args[0], "cli"); err != nil {
			return err
		}
		fmt.Printf("Budget for %s frozen\n", args[0])
		return nil
	},
}

var budgetUnfreezeCmd = &cobra.Command{
	Use:   "unfreeze <entity>",
	Short: "Resume granting leases for an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openLedger()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := svc.UnfreezeBudget(context.Background(), args[0], "cli"); err != nil {
			return err
		}
		fmt.Printf("Budget for %s active\n", args[0])
		return nil
	},
}

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Inspect the backend rate table",
}

var ratesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured backend rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		entries, err := cfg.RateEntries()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-30s in=%s/1k out=%s/1k\n", e.BackendID, e.InputCostPer1K, e.OutputCostPer1K)
		}
		return nil
	},
}

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "Manage budget leases",
}

var leasesExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire stale leases and reclaim their headroom",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeFn, err := openLedger()
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := svc.ExpireStaleLeases(context.Background(), time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Expired %d stale lease(s)\n", n)
		return nil
	},
}

var logTailLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the routing decision log",
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent routing decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logs, err := router.NewSQLiteLogStore(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer logs.Close()

		entries, err := logs.Tail(context.Background(), logTailLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			marker := " "
			if e.Critical {
				marker = "!"
			}
			fmt.Printf("%s %s %-22s caller=%s backend=%s tier=%d cost=%s %s\n",
				marker, e.Timestamp.Format(time.RFC3339), e.Outcome,
				e.CallerID, e.BackendID, e.Tier, e.Cost, e.FailoverReason)
		}
		return nil
	},
}

var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Inspect circuit breaker state",
}

// circuitStatusCmd queries the running daemon: breaker state lives in
// process memory, not in the database.
var circuitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-backend circuit state from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		url := fmt.Sprintf("http://%s/api/circuits", cfg.Server.Listen)
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("is the server running? %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, data)
		}
		fmt.Println(string(data))
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	budgetSetCmd.Flags().StringVar(&budgetHard, "hard", "", "hard spending limit (required)")
	budgetSetCmd.Flags().StringVar(&budgetSoft, "soft", "", "soft warning threshold")
	budgetSetCmd.Flags().StringVar(&budgetCurrency, "currency", "", "budget currency (default USD)")
	budgetSetCmd.MarkFlagRequired("hard")

	logTailCmd.Flags().IntVarP(&logTailLimit, "limit", "n", 50, "number of entries")

	budgetCmd.AddCommand(budgetShowCmd, budgetSetCmd, budgetFreezeCmd, budgetUnfreezeCmd)
	ratesCmd.AddCommand(ratesListCmd)
	leasesCmd.AddCommand(leasesExpireCmd)
	logCmd.AddCommand(logTailCmd)
	circuitCmd.AddCommand(circuitStatusCmd)
}
