package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/isometry/directoryd/internal/cache"
	"github.com/isometry/directoryd/internal/config"
	"github.com/isometry/directoryd/internal/pool"
)

type statsView struct {
	Backends []string     `json:"backends"`
	Default  string       `json:"default_backend"`
	Cache    cache.Stats  `json:"cache"`
	Pools    []pool.Stats `json:"pools"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Open every backend and print connection pool and cache statistics",
	Long: `Opens every configured backend, runs one health check on each connection
pool and prints the resulting statistics. Useful as a configuration and
connectivity check.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *config.Runtime) error {
			for _, id := range rt.Directory.Backends() {
				if p, ok := rt.Pools.Get(id); ok {
					p.HealthCheck(ctx)
				}
			}

			v := statsView{
				Backends: rt.Directory.Backends(),
				Default:  rt.Directory.DefaultBackend(),
				Cache:    rt.Directory.Stats(),
				Pools:    rt.Pools.Stats(),
			}
			if outputJSON {
				return printJSON(cmd, v)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backends: %v (default %s)\n", v.Backends, v.Default)
			fmt.Fprintf(out, "cache: size=%d hits=%d misses=%d negative_hits=%d evictions=%d\n\n",
				v.Cache.Size, v.Cache.Hits, v.Cache.Misses, v.Cache.NegativeHits, v.Cache.Evictions)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tMAX\tIN USE\tIDLE\tCREATED\tDISCARDED\tERRORS\tTIMEOUTS")
			for _, s := range v.Pools {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.Name, s.Max, s.InUse, s.Idle, s.Created, s.Discarded, s.Errors, s.Timeouts)
			}
			return w.Flush()
		})
	},
}
