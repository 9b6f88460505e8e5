package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fetch pipeline diagnostics: counters, breakers, cache, token pool.",
	Run: func(cmd *cobra.Command, args []string) {
		fetch := client.Stats()

		t := newTable()
		t.AppendHeader(table.Row{"Metric", "Value"})
		t.AppendRow(table.Row{"total requests", fetch.TotalRequests})
		t.AppendRow(table.Row{"proxy rotations", fetch.ProxyRotations})
		t.AppendRow(table.Row{"session rotations", fetch.SessionRotations})
		t.AppendRow(table.Row{"proxy pool size", fetch.PoolSize})
		t.Render()

		t = newTable()
		t.AppendHeader(table.Row{"Class", "State", "Failures"})
		for _, b := range fetch.Breakers {
			t.AppendRow(table.Row{b.Class, b.State, b.Failures})
		}
		t.Render()

		cacheStats := cache.Stats()
		t = newTable()
		t.AppendHeader(table.Row{"Cache", "Value"})
		t.AppendRow(table.Row{"size", fmt.Sprintf("%d / %d", cacheStats.Size, cacheStats.MaxSize)})
		t.AppendRow(table.Row{"hits", cacheStats.Hits})
		t.AppendRow(table.Row{"misses", cacheStats.Misses})
		t.AppendRow(table.Row{"evictions", cacheStats.Evictions})
		t.AppendRow(table.Row{"hit rate", fmt.Sprintf("%.1f%%", cacheStats.HitRate()*100)})
		t.Render()

		poolStats := tokenPool.Stats()
		t = newTable()
		t.AppendHeader(table.Row{"Token pool", "Value"})
		t.AppendRow(table.Row{"live tokens", fmt.Sprintf("%d (min %d, max %d)", poolStats.Live, poolStats.MinCached, poolStats.MaxCached)})
		t.AppendRow(table.Row{"solves", poolStats.Solves})
		t.AppendRow(table.Row{"failures", poolStats.Failures})
		t.Render()
	},
}
