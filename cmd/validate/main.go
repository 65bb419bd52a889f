// Command validate checks a static data directory before it is published or
// side-loaded. It verifies that every partition parses, that uids are present
// and unique, that records agree with their directory's year, and that enough
// events resolve to a location.
//
// Usage:
//
//	go run ./cmd/validate -dir public/data -min-coverage 0.9
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
)

// maxListed caps how many individual problems a phase prints per partition.
const maxListed = 10

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// partition is one loaded {year}/{type}.json file.
type partition struct {
	year    int
	t       domain.RecordType
	records []domain.Record
}

func main() {
	dir := flag.String("dir", "", "data directory laid out as {year}/{camps,art,events}.json")
	minCoverage := flag.Float64("min-coverage", 0.9, "minimum fraction of events that must resolve to a location")
	requireAll := flag.Bool("require-all", false, "fail when a year is missing any of the three files")
	flag.Parse()

	if *dir == "" || *minCoverage < 0 || *minCoverage > 1 {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(os.Stdout, *dir, *minCoverage, *requireAll); code != 0 {
		os.Exit(code)
	}
}

func run(w io.Writer, dir string, minCoverage float64, requireAll bool) int {
	fmt.Fprintln(w, "=== OK-OFFLINE Data Validation ===")
	fmt.Fprintln(w)

	years, err := discoverYears(dir)
	if err != nil {
		fmt.Fprintf(w, "FATAL: %v\n", err)
		return 1
	}

	shape, parts := validateShape(dir, years, requireAll)
	phases := []*phase{
		shape,
		validateIdentity(parts),
		validateYears(parts),
		validateEnrichment(w, parts, years, minCoverage),
	}

	fmt.Fprintln(w)
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}

	total := 0
	for _, pt := range parts {
		total += len(pt.records)
	}
	fmt.Fprintf(w, "\nYears: %v, partitions: %d, records: %d\n", years, len(parts), total)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

// discoverYears lists the numeric subdirectories of dir in ascending order.
func discoverYears(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var years []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if y, err := strconv.Atoi(e.Name()); err == nil && y > 0 {
			years = append(years, y)
		}
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("no year directories under %s", dir)
	}
	slices.Sort(years)
	return years, nil
}

// ── Phase 1: Shape ──
// Every present file decodes into records using the sync engine's parser.

func validateShape(dir string, years []int, requireAll bool) (*phase, []partition) {
	p := &phase{name: "Phase 1: Shape (files parse)"}
	var parts []partition
	for _, y := range years {
		for _, t := range domain.RecordTypes {
			path := filepath.Join(dir, strconv.Itoa(y), t.FileName()+".json")
			body, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				if requireAll {
					p.errorf("%d %s: missing %s", y, t, path)
				}
				continue
			}
			if err != nil {
				p.errorf("%d %s: %v", y, t, err)
				continue
			}
			recs, err := domain.ParseRecords(t, body)
			if err != nil {
				p.errorf("%d %s: %v", y, t, err)
				continue
			}
			parts = append(parts, partition{year: y, t: t, records: recs})
		}
	}
	return p, parts
}

// ── Phase 2: Identity ──
// Every record has a uid and no uid repeats within a partition.

func validateIdentity(parts []partition) *phase {
	p := &phase{name: "Phase 2: Identity (uid present, unique)"}
	for _, pt := range parts {
		seen := make(map[string]int, len(pt.records))
		listed := 0
		for i, r := range pt.records {
			uid := r.UID()
			if uid == "" {
				if listed < maxListed {
					p.errorf("%d %s record %d: missing uid", pt.year, pt.t, i)
				}
				listed++
				continue
			}
			if first, dup := seen[uid]; dup {
				if listed < maxListed {
					p.errorf("%d %s record %d: uid %q duplicates record %d", pt.year, pt.t, i, uid, first)
				}
				listed++
				continue
			}
			seen[uid] = i
		}
		if listed > maxListed {
			p.errorf("%d %s: %d more identity problems", pt.year, pt.t, listed-maxListed)
		}
	}
	return p
}

// ── Phase 3: Year consistency ──
// A record that carries a year must carry its directory's year.

func validateYears(parts []partition) *phase {
	p := &phase{name: "Phase 3: Year consistency"}
	for _, pt := range parts {
		mismatched := 0
		for _, r := range pt.records {
			if y, ok := r.Year(); ok && y != pt.year {
				mismatched++
			}
		}
		if mismatched > 0 {
			p.errorf("%d %s: %d records carry a different year", pt.year, pt.t, mismatched)
		}
	}
	return p
}

// ── Phase 4: Enrichment coverage ──
// Joins events to camps and art the way the sync engine does and requires a
// minimum share of events to end up with a location.

func validateEnrichment(w io.Writer, parts []partition, years []int, minCoverage float64) *phase {
	p := &phase{name: "Phase 4: Enrichment coverage"}
	byKey := make(map[string][]domain.Record, len(parts))
	for _, pt := range parts {
		byKey[fmt.Sprintf("%s-%d", pt.t, pt.year)] = pt.records
	}

	for _, y := range years {
		events, ok := byKey[fmt.Sprintf("%s-%d", domain.Event, y)]
		if !ok || len(events) == 0 {
			continue
		}
		camps := byKey[fmt.Sprintf("%s-%d", domain.Camp, y)]
		art := byKey[fmt.Sprintf("%s-%d", domain.Art, y)]

		enriched := domain.EnrichEvents(events, camps, art)
		located, dangling := 0, 0
		campUIDs, artUIDs := uidSet(camps), uidSet(art)
		for i, ev := range enriched {
			if domain.IsEnriched(ev) {
				located++
			}
			if ref := events[i].String("hosted_by_camp"); ref != "" && !campUIDs[ref] {
				dangling++
			}
			if ref := events[i].String("hosted_by_art"); ref != "" && !artUIDs[ref] {
				dangling++
			}
		}
		coverage := float64(located) / float64(len(events))
		fmt.Fprintf(w, "  %d events: %d/%d located (%.1f%%), %d dangling host references\n",
			y, located, len(events), coverage*100, dangling)
		if coverage < minCoverage {
			p.errorf("%d events: coverage %.1f%% below %.1f%%", y, coverage*100, minCoverage*100)
		}
	}
	return p
}

func uidSet(records []domain.Record) map[string]bool {
	m := make(map[string]bool, len(records))
	for _, r := range records {
		if uid := r.UID(); uid != "" {
			m[uid] = true
		}
	}
	return m
}
