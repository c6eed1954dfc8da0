package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortex-rag/internal/engine"
	"github.com/normanking/cortex-rag/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY AND STATS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func openStore() (*store.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("storage is disabled (storage.enabled: false)")
	}
	return store.Open(cfg.Storage.DBPath)
}

func historyCmd() *cobra.Command {
	var (
		tenant string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent answered questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.Entries(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No conversations logged.")
				return nil
			}

			for _, e := range entries {
				fb := ""
				if e.Fallback {
					fb = " fallback"
				}
				fmt.Printf("%s  %s/%s%s  %v\n", e.CreatedAt.Local().Format(time.DateTime), e.Provider, e.Model, fb, e.Latency)
				fmt.Printf("  Q: %s\n", truncate(e.Query, 72))
				fmt.Printf("  A: %s\n\n", truncate(e.Answer, 72))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "only show this tenant")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func statsCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-provider usage from the conversation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.ProviderStats(cmd.Context(), time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Printf("No requests in the last %d days.\n", days)
				return nil
			}

			fmt.Printf("%-12s %8s %10s %12s %10s %10s\n", "PROVIDER", "REQUESTS", "FALLBACK", "AVG LATENCY", "TOKENS IN", "TOKENS OUT")
			for _, p := range stats {
				fmt.Printf("%-12s %8d %9.1f%% %10.0fms %10d %10d\n",
					p.Provider, p.RequestCount, p.FallbackRate, p.AvgLatencyMs, p.TotalTokensIn, p.TotalTokensOut)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "window in days")
	return cmd
}

func forgetCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "forget [conversation-id]",
		Short: "Delete the remembered turns of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Forget(cmd.Context(), engine.MemoryScope(tenant, args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("✅ Forgot %d turns of %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant that owns the conversation")
	return cmd
}
