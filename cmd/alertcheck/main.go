// Command alertcheck runs one fetch against the National Weather Service for a
// location and reports each stage: grid point lookup, active alerts, and current
// conditions. It prints the prioritized alerts and the poll mode they select.
//
// Usage:
//
//	go run ./cmd/alertcheck -lat 35.47 -lon -97.52
//
// NWS_BASE_URL, NWS_USER_AGENT and NWS_TIMEOUT are read from the environment as
// for the service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mathisontech/beacon/internal/adapter/nws"
	"github.com/mathisontech/beacon/internal/config"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
)

// phase tracks pass/fail for one stage of the check.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	loc, timeout, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(loc, timeout, os.Stdout))
}

// parseArgs requires both -lat and -lon to be given explicitly; 0,0 is a valid
// coordinate, so an unset flag cannot be told apart by value.
func parseArgs(args []string) (domain.Location, time.Duration, error) {
	fs := flag.NewFlagSet("alertcheck", flag.ContinueOnError)
	lat := fs.Float64("lat", 0, "latitude of the location to check")
	lon := fs.Float64("lon", 0, "longitude of the location to check")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return domain.Location{}, 0, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["lat"] || !set["lon"] {
		fs.Usage()
		return domain.Location{}, 0, errors.New("-lat and -lon are required")
	}
	return domain.Location{Latitude: *lat, Longitude: *lon}, *timeout, nil
}

func run(loc domain.Location, timeout time.Duration, out io.Writer) int {
	if err := loc.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := nws.NewClient(cfg, observability.NewMetricsForTesting(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Fprintf(out, "=== Weather Alert Check for %s ===\n\n", loc)
	return check(ctx, client, clockwork.NewRealClock(), loc, out)
}

func check(ctx context.Context, source domain.AlertSource, clock clockwork.Clock, loc domain.Location, out io.Writer) int {
	pointPhase := &phase{name: "Stage 1: Grid point lookup"}
	alertPhase := &phase{name: "Stage 2: Active alerts"}
	condPhase := &phase{name: "Stage 3: Current conditions"}

	grid, err := source.Point(ctx, loc)
	if err != nil {
		pointPhase.errorf("%v", err)
	} else if grid.County == "" {
		pointPhase.errorf("grid point has no county")
	}

	var alerts []domain.Alert
	raw, err := source.ActiveAlerts(ctx, loc)
	if err != nil {
		alertPhase.errorf("%v", err)
	} else {
		alerts = domain.NormalizeAlerts(raw, clock.Now())
		for i := range raw {
			if raw[i].ID == "" {
				alertPhase.errorf("raw alert %d has no id", i)
			}
		}
	}

	var cond domain.Conditions
	if pointPhase.passed() {
		cond, err = source.Forecast(ctx, grid)
		if err != nil {
			condPhase.errorf("%v", err)
		}
	} else {
		condPhase.errorf("skipped: no grid point")
	}

	phases := []*phase{pointPhase, alertPhase, condPhase}
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-34s %s\n", p.name, status)
	}

	if pointPhase.passed() {
		fmt.Fprintf(out, "\nCounty: %s (grid %s %d,%d)\n", grid.County, grid.GridID, grid.GridX, grid.GridY)
	}
	if condPhase.passed() {
		fmt.Fprintf(out, "Conditions: %d°%s, %s, wind %s %s\n",
			cond.Temperature, cond.TemperatureUnit, cond.ShortForecast, cond.WindSpeed, cond.WindDirection)
	}
	if alertPhase.passed() {
		fmt.Fprintf(out, "Alerts: %d active (%d dropped as expired or minor), poll mode %s\n",
			len(alerts), len(raw)-len(alerts), domain.PollModeForAlerts(alerts))
		for i := range alerts {
			a := alerts[i]
			fmt.Fprintf(out, "  [%s] %s (%s, impact %s)\n",
				a.ThreatLevel, a.Title, a.EmergencyType, domain.FormatTimeToImpact(a.TimeToImpact))
		}
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll stages passed.")
		return 0
	}
	fmt.Fprintln(out, "\nCheck FAILED.")
	return 1
}
