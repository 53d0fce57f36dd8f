// Command gatewayctl is the operator CLI for the request routing and
// enforcement core: pool registry inspection, tenant claim dry-runs, and
// ledger/circuit diagnostics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loa-finn/gatewaycore/core"
)

func main() {
	root := &cobra.Command{Use: "gatewayctl", Short: "operator CLI for the gateway routing core"}
	root.AddCommand(poolsCmd())
	root.AddCommand(claimsCmd())
	root.AddCommand(circuitCmd())
	root.AddCommand(ledgerCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func poolsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pools", Short: "inspect the static pool/tier registry"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [tier]",
		Short: "list pools accessible to a tier (default: all tiers)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, t := range []core.Tier{core.TierFree, core.TierPro, core.TierEnterprise} {
					printTierPools(cmd, t)
				}
				return nil
			}
			printTierPools(cmd, core.Tier(args[0]))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <tier> <task-type>",
		Short: "resolve the pool a tier/task-type pair would route to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := core.ResolvePool(core.Tier(args[0]), args[1], nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pool)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "export the tier->pools access table as YAML, for diffing against a ReloadRegistry payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			table := map[string][]string{}
			for _, t := range []core.Tier{core.TierFree, core.TierPro, core.TierEnterprise} {
				table[string(t)] = core.AllowedPoolsForTier(t)
			}
			out, err := yaml.Marshal(table)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	return cmd
}

func printTierPools(cmd *cobra.Command, tier core.Tier) {
	pools := core.AllowedPoolsForTier(tier)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", tier, pools)
}

func claimsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "claims", Short: "dry-run tenant claim enforcement"}
	var tier, poolID string
	var allowedPools []string
	var strict bool
	check := &cobra.Command{
		Use:   "check",
		Short: "evaluate enforcePoolClaims against the given flags without a live token",
		RunE: func(cmd *cobra.Command, args []string) error {
			claims := core.Claims{Tier: core.Tier(tier), PoolId: poolID, AllowedPools: allowedPools}
			ctx, err := core.BuildTenantContext(claims, core.EnforcementConfig{Strict: strict})
			if err != nil {
				gwErr, ok := core.AsGatewayError(err)
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "denied: %s (%s)\n", gwErr.Code(), gwErr.Error())
					return nil
				}
				return err
			}
			out, _ := json.MarshalIndent(ctx, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	check.Flags().StringVar(&tier, "tier", "free", "tenant tier")
	check.Flags().StringVar(&poolID, "pool", "", "requested pool id")
	check.Flags().StringSliceVar(&allowedPools, "allowed-pools", nil, "claimed allowed_pools list")
	check.Flags().BoolVar(&strict, "strict", false, "treat superset mismatches as fatal")
	cmd.AddCommand(check)
	return cmd
}

func circuitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "circuit", Short: "inspect circuit breaker state (in-process only)"}
	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot <provider> <model>",
		Short: "print the zero-state circuit breaker snapshot for a provider/model pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cb := core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig(), nil)
			state, failures := cb.Snapshot(args[0], args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "state=%s consecutive_failures=%d\n", state, failures)
			return nil
		},
	})
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "query an in-memory ledger replayed from a WAL dump (diagnostic only)"}
	cmd.AddCommand(&cobra.Command{
		Use:   "spent <scope>",
		Short: "print the replayed spend for a scope against an empty WAL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wal := core.NewMemoryWAL()
			ledger := core.NewLedger(wal, nil, 0.8, core.FailClosed, nil)
			if err := ledger.Open(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), core.SerializeMicroUSD(ledger.Spent(args[0])))
			return nil
		},
	})
	return cmd
}
