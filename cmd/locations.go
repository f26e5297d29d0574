package cmd

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/registry"
)

func newLocationsCmd() *cobra.Command {
	var (
		domain    string
		provinces []string
	)
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "Lists the location catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reg := appInstance.Registry()
			var locs []crawler.Location
			if domain == "" {
				for _, l := range reg.All() {
					if len(provinces) == 0 || slices.ContainsFunc(provinces, func(p string) bool {
						return strings.EqualFold(strings.TrimSpace(p), l.Province)
					}) {
						locs = append(locs, l)
					}
				}
			} else {
				d, err := crawler.ParseDomain(domain)
				if err != nil {
					return err
				}
				if locs, err = reg.Resolve(d, registry.Filter{Provinces: provinces}); err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPROVINCE\tLAT\tLON\tDOMAINS")
			for _, l := range locs {
				names := make([]string, len(l.Domains))
				for i, d := range l.Domains {
					names[i] = d.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%.4f\t%s\n",
					l.ID, l.Name, l.Province, l.Lat, l.Lon, strings.Join(names, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only locations applicable to this domain")
	cmd.Flags().StringSliceVar(&provinces, "province", nil, "only locations in this province (repeatable)")
	return cmd
}
