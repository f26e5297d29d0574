package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/dispatcher"
	"github.com/vnenv/envcrawler/internal/registry"
)

type crawlOptions struct {
	domain     string
	locations  []string
	provinces  []string
	limit      int
	deadline   time.Duration
	out        string
	noProgress bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one job in-process
// and hands its batch off exactly like the API does.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl job",
		Long: `Fetches every enabled provider of a domain for the selected locations,
stores the resulting CSV batch, and publishes the hand-off notification.
Use --out to also write the batch to a local file ("-" for stdout).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.domain, "domain", "", "domain to crawl: air, water, soil, or climate")
	f.StringSliceVar(&opts.locations, "location", nil, "location id to include (repeatable)")
	f.StringSliceVar(&opts.provinces, "province", nil, "province to include (repeatable)")
	f.IntVar(&opts.limit, "limit", 0, "maximum number of locations (0 = all)")
	f.DurationVar(&opts.deadline, "deadline", 0, "overall job deadline (default crawler.job_deadline)")
	f.StringVar(&opts.out, "out", "", "write the CSV batch to this file")
	f.BoolVar(&opts.noProgress, "no-progress", false, "disable the progress bar")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	domain, err := crawler.ParseDomain(opts.domain)
	if err != nil {
		return err
	}

	req := dispatcher.Request{
		Domain: domain,
		Filter: registry.Filter{
			IDs:       opts.locations,
			Provinces: opts.provinces,
			Limit:     opts.limit,
		},
		Deadline: opts.deadline,
	}
	var bar *progressbar.ProgressBar
	if !opts.noProgress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("crawling "+domain.String()),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		req.OnItemDone = func(done, total int) {
			if done == 1 {
				bar.ChangeMax(total)
			}
			_ = bar.Set(done)
		}
	}

	record, crawlErr := appInstance.Crawl(cmd.Context(), req)
	if bar != nil {
		_ = bar.Finish()
	}
	if record.ID == "" {
		return crawlErr
	}

	w := cmd.OutOrStdout()
	s := record.Summary
	fmt.Fprintf(w, "job %s %s: %d/%d succeeded, %d failed, %d from cache\n",
		record.ID, record.Status, s.TotalSucceeded, s.TotalRequested, s.TotalFailed, s.CacheHits)
	if s.DeadlineExceeded {
		fmt.Fprintln(w, "deadline exceeded before every item resolved")
	}
	for _, e := range record.Errors {
		fmt.Fprintf(w, "  %s/%s: %s: %s\n", e.ProviderID, e.LocationID, e.Kind, e.Message)
	}
	if record.ArtifactURI != "" {
		fmt.Fprintf(w, "artifact: %s\n", record.ArtifactURI)
	}

	if opts.out != "" && record.ArtifactURI != "" {
		if err := writeArtifact(cmd, appInstance, record.ID, opts.out); err != nil {
			return errors.Join(crawlErr, err)
		}
	}
	return crawlErr
}

func writeArtifact(cmd *cobra.Command, appInstance App, jobID, out string) error {
	data, err := appInstance.Handoff().Artifact(cmd.Context(), jobID)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	var w io.Writer = cmd.OutOrStdout()
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	return nil
}
