// Package aqicn scrapes the public aqicn.org city pages. It backs up the WAQI
// JSON feed for cities where the feed has no station or the token is the
// demo one.
package aqicn

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
	"github.com/vnenv/envcrawler/internal/provider/normalize"
	"github.com/vnenv/envcrawler/internal/registry"
)

// DefaultBaseURL is the public site.
const DefaultBaseURL = "https://aqicn.org"

// ProviderID is the stable id used in records and metrics.
const ProviderID = "aqicn-web"

var (
	aqiSelectors = []string{"#aqiwgtvalue", "span.aqivalue", "div.aqivalue"}
	pollutants   = []string{"pm25", "pm10", "o3", "no2", "so2", "co"}
	numberRe     = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// Adapter fetches and parses city pages with a colly collector.
type Adapter struct {
	spec      crawler.ProviderSpec
	client    *httpx.Client
	transport http.RoundTripper
	clock     crawler.Clock
}

// New builds the adapter.
func New(settings httpx.Settings, client *httpx.Client, clock crawler.Clock) *Adapter {
	spec := settings.Apply(crawler.ProviderSpec{
		ID:          ProviderID,
		Domain:      crawler.DomainAir,
		BaseURL:     DefaultBaseURL,
		MaxRequests: 30,
		Window:      time.Minute,
		Timeout:     20 * time.Second,
	})
	return &Adapter{spec: spec, client: client, transport: httpx.NewTransport(), clock: clock}
}

// Spec implements crawler.Adapter.
func (a *Adapter) Spec() crawler.ProviderSpec {
	return a.spec
}

// Fetch implements crawler.Adapter. The site files some cities under a
// country prefix or an alternate name, so a page without a reading falls
// through to the next candidate.
func (a *Adapter) Fetch(ctx context.Context, loc crawler.Location, domain crawler.Domain) (crawler.RawRecord, error) {
	if domain != crawler.DomainAir {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("aqicn does not serve %s", domain))
	}

	var lastErr error
	for _, page := range a.pages(loc) {
		rec, err := a.scrape(ctx, loc, page)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !crawler.IsKind(err, crawler.KindMalformedResponse) {
			return crawler.RawRecord{}, err
		}
	}
	if lastErr == nil {
		lastErr = crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("location %q has no name to look up", loc.ID))
	}
	return crawler.RawRecord{}, lastErr
}

// pages lists the candidate city pages for every name of loc.
func (a *Adapter) pages(loc crawler.Location) []string {
	base := strings.TrimRight(a.spec.BaseURL, "/")
	var slugs, pages []string
	for _, name := range loc.Names() {
		slug := registry.Slug(name)
		if slug == "" || slices.Contains(slugs, slug) {
			continue
		}
		slugs = append(slugs, slug)
		pages = append(pages, base+"/city/"+slug, base+"/city/vietnam/"+slug)
	}
	return pages
}

func (a *Adapter) scrape(ctx context.Context, loc crawler.Location, page string) (crawler.RawRecord, error) {
	if err := a.client.Wait(ctx, a.spec); err != nil {
		return crawler.RawRecord{}, err
	}

	var (
		body     []byte
		status   int
		header   http.Header
		fetchErr error
	)
	c := colly.NewCollector(colly.AllowURLRevisit(), colly.StdlibContext(ctx))
	if ua := a.client.UserAgent(); ua != "" {
		c.UserAgent = ua
	}
	c.WithTransport(a.transport)
	if a.spec.Timeout > 0 {
		c.SetRequestTimeout(a.spec.Timeout)
	}
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			status = r.StatusCode
			if r.Headers != nil {
				header = r.Headers.Clone()
			}
		}
	})

	// The request carries ctx, so cancellation aborts it in flight.
	err := c.Visit(page)
	if ctx.Err() != nil {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindTimeout,
			fmt.Errorf("scrape canceled: %w", ctx.Err()))
	}
	if perr := httpx.ClassifyStatus(a.spec, status, header, a.clock.Now()); status != 0 && perr != nil {
		return crawler.RawRecord{}, perr
	}
	if err == nil {
		err = fetchErr
	}
	if err != nil {
		return crawler.RawRecord{}, httpx.ClassifyError(a.spec.ID, fmt.Errorf("visit %s: %w", page, err))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("parse html: %w", err))
	}
	return a.parse(doc, loc)
}

func (a *Adapter) parse(doc *goquery.Document, loc crawler.Location) (crawler.RawRecord, error) {
	aqi := firstNumber(doc, aqiSelectors...)
	if aqi == nil {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("no aqi reading on page"))
	}
	f := normalize.New()
	f.Core("aqi", aqi)
	for _, p := range pollutants {
		if p == "pm25" {
			f.Core(p, firstNumber(doc, "#cur_"+p))
			continue
		}
		f.Optional(p, firstNumber(doc, "#cur_"+p))
	}
	f.Text("station", strings.TrimSpace(doc.Find("#aqiwgttitle1").First().Text()))
	return f.Record(a.spec, loc, a.clock.Now())
}

func firstNumber(doc *goquery.Document, selectors ...string) *float64 {
	for _, sel := range selectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		if v, ok := extractNumber(text); ok {
			return &v
		}
	}
	return nil
}

func extractNumber(text string) (float64, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
