// Command stockwatch-replay runs extraction over archived catalog payloads.
// It reports what each payload yields and, given a database, seeds the
// tracked-product table so a fresh deployment does not alert on the whole
// catalog.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/stockwatch/internal/archive"
	"github.com/xenking/stockwatch/internal/classify"
	"github.com/xenking/stockwatch/internal/domain/product"
	"github.com/xenking/stockwatch/internal/extract"
	"github.com/xenking/stockwatch/internal/storage/postgres"
	"github.com/xenking/stockwatch/internal/tracker"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
)

// fileResult holds the records extracted from one archive.
type fileResult struct {
	path    string
	target  string
	records []product.Record
}

// summary is what scan reports across all archives.
type summary struct {
	files    int
	records  int
	distinct int
	perFile  []fileSummary
}

type fileSummary struct {
	path     string
	target   string
	records  int
	distinct int
}

func main() {
	var (
		archiveDir    string
		databaseURL   string
		currency      string
		canonicalHost string
	)

	flag.StringVar(&archiveDir, "archive-dir", "archive", "directory containing archived *.gz payloads")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL to seed tracked products (or DATABASE_URL env)")
	flag.StringVar(&currency, "currency", "₹", "currency symbol for formatted prices")
	flag.StringVar(&canonicalHost, "canonical-host", "www.shein.in", "host forced onto product links")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, archiveDir, databaseURL, extract.Config{
		Currency:      currency,
		CanonicalHost: canonicalHost,
	}); err != nil {
		slog.Error("replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("replay completed successfully")
}

func run(ctx context.Context, archiveDir, databaseURL string, cfg extract.Config) error {
	files, err := archive.List(archiveDir)
	if err != nil {
		return errors.Wrap(err, "list archives")
	}
	if len(files) == 0 {
		slog.Info("no archives found", slog.String("dir", archiveDir))
		return nil
	}

	classifier, err := classify.New(classify.Config{
		Priority:         product.CategoryMen,
		PriorityKeywords: classify.DefaultPriorityKeywords,
		Other:            product.CategoryWomen,
		OtherKeywords:    classify.DefaultOtherKeywords,
		Default:          product.CategoryUnclassified,
	})
	if err != nil {
		return errors.Wrap(err, "create classifier")
	}
	extractor := extract.New(cfg, classifier, zap.NewNop())

	results, err := extractAll(ctx, files, extractor)
	if err != nil {
		return errors.Wrap(err, "extract archives")
	}

	sum := summarize(results)
	for _, f := range sum.perFile {
		slog.Info("archive",
			slog.String("path", f.path),
			slog.String("target", f.target),
			slog.Int("records", f.records),
			slog.Int("new_distinct", f.distinct),
		)
	}
	slog.Info("extraction complete",
		slog.Int("files", sum.files),
		slog.Int("records", sum.records),
		slog.Int("distinct_estimate", sum.distinct),
	)

	if databaseURL == "" {
		return nil
	}
	return seed(ctx, databaseURL, results)
}

// extractAll reads and extracts every archive concurrently. Results keep the
// order of files, which is chronological for archive names.
func extractAll(ctx context.Context, files []string, ex *extract.Engine) ([]fileResult, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := archive.Read(path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			results[i] = fileResult{
				path:    path,
				target:  p.Target,
				records: slices.Collect(ex.Extract(p)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// summarize counts records per file and estimates distinct product ids with
// a bloom filter, so the pass stays bounded on large archive sets.
func summarize(results []fileResult) summary {
	filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
	sum := summary{files: len(results)}
	for _, r := range results {
		fs := fileSummary{path: r.path, target: r.target, records: len(r.records)}
		for _, rec := range r.records {
			if !filter.TestOrAddString(rec.ID) {
				fs.distinct++
			}
		}
		sum.records += fs.records
		sum.distinct += fs.distinct
		sum.perFile = append(sum.perFile, fs)
	}
	return sum
}

// seed observes every record, oldest archive first, into the Postgres-backed
// store.
func seed(ctx context.Context, databaseURL string, results []fileResult) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	lg, err := zap.NewProduction()
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	defer func() { _ = lg.Sync() }()

	store := tracker.NewStore(lg, tracker.WithPersister(postgres.NewTrackedRepository(pool)))
	loaded, err := store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load tracked products")
	}

	counts := observeAll(ctx, store, results)
	slog.Info("seed complete",
		slog.Int("loaded", loaded),
		slog.Int("new", counts[tracker.New]),
		slog.Int("restocked", counts[tracker.Restocked]),
		slog.Int("unchanged", counts[tracker.Unchanged]),
		slog.Int("tracked", store.Len()),
	)
	return nil
}

type observer interface {
	Observe(ctx context.Context, rec product.Record) tracker.ChangeKind
}

func observeAll(ctx context.Context, store observer, results []fileResult) map[tracker.ChangeKind]int {
	counts := make(map[tracker.ChangeKind]int, 3)
	for _, r := range results {
		for _, rec := range r.records {
			if ctx.Err() != nil {
				return counts
			}
			counts[store.Observe(ctx, rec)]++
		}
	}
	return counts
}
