// Command session-report renders an HTML report for a finished session:
// violations by type as a bar chart and the per-individual violation
// timeline as a scatter plot.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/safesite-data/sitewatch/internal/storage"
	"github.com/safesite-data/sitewatch/internal/violation"
)

var (
	dbPath    = flag.String("db", "sitewatch.db", "Path to the session database")
	sessionID = flag.String("session", "", "Session ID to report on")
	outPath   = flag.String("out", "session-report.html", "Output HTML file")
)

func main() {
	flag.Parse()
	if *sessionID == "" {
		log.Fatal("a session ID is required (-session)")
	}

	db, err := storage.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", *dbPath, err)
	}
	defer db.Close()

	rec, err := db.GetSession(*sessionID)
	if err != nil {
		log.Fatalf("failed to load session: %v", err)
	}
	individuals, err := db.ListIndividuals(*sessionID)
	if err != nil {
		log.Fatalf("failed to load individuals: %v", err)
	}
	events, err := db.ListViolations(*sessionID)
	if err != nil {
		log.Fatalf("failed to load violations: %v", err)
	}

	page := components.NewPage()
	page.SetPageTitle(fmt.Sprintf("Session %s", rec.ID))
	page.AddCharts(
		violationsByTypeChart(individuals),
		timelineChart(events),
		riskChart(individuals),
	)

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *outPath, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s (%d individuals, %d violations)", *outPath, len(individuals), len(events))
}

// violationsByTypeChart sums recorded violations per type across all
// individuals.
func violationsByTypeChart(individuals []violation.IndividualAggregate) components.Charter {
	totals := map[string]int{}
	for _, ind := range individuals {
		for typ, n := range ind.ViolationsByType {
			totals[typ] += n
		}
	}

	var types []string
	var values []opts.BarData
	for _, typ := range sortedKeys(totals) {
		types = append(types, typ)
		values = append(values, opts.BarData{Value: totals[typ]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Violations by type"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(types)
	bar.AddSeries("violations", values)
	return bar
}

// timelineChart plots each violation at (frame index, track ID). Orphaned
// violations sit on track 0.
func timelineChart(events []violation.Event) components.Charter {
	data := make([]opts.ScatterData, 0, len(events))
	for _, ev := range events {
		data = append(data, opts.ScatterData{
			Value: []interface{}{ev.FrameIndex, ev.TrackID, ev.Type},
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Violation timeline",
			Subtitle: "frame index vs track (track 0 = unlinked)",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "track"}),
	)
	scatter.AddSeries("violations", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	return scatter
}

// riskChart shows each individual's risk score.
func riskChart(individuals []violation.IndividualAggregate) components.Charter {
	var tracks []string
	var values []opts.BarData
	for _, ind := range individuals {
		tracks = append(tracks, fmt.Sprintf("track %d", ind.TrackID))
		values = append(values, opts.BarData{Value: ind.RiskScore})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Risk score by individual"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis(tracks)
	bar.AddSeries("risk", values)
	return bar
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
