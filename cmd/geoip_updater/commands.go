package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/italolelis/geoip_updater/internal/auth"
	"github.com/italolelis/geoip_updater/internal/config"
	"github.com/italolelis/geoip_updater/internal/logctx"
	"github.com/italolelis/geoip_updater/internal/transport"
	"github.com/italolelis/geoip_updater/internal/validate"
	"github.com/olekukonko/tablewriter"
)

var errValidationFailed = errors.New("database validation failed")

func (a *app) listDatabases(ctx context.Context, cfg *config.Config) error {
	cat := auth.Discover(ctx, infoClient(cfg), cfg.Endpoint)

	if cat.Fallback {
		fprintf(a.stdout, "Database discovery not available.\nUsing legacy database list:\n")

		for _, name := range auth.FallbackDatabases {
			fprintf(a.stdout, "  • %s\n", name)
		}

		return nil
	}

	fprintf(a.stdout, "Available GeoIP Databases\n\nTotal databases: %d\n\n", cat.Total)

	for _, name := range cat.ProviderNames() {
		p := cat.Providers[name]

		fprintf(a.stdout, "%s databases (%d):\n", providerTitle(name), p.Count)

		table := tablewriter.NewWriter(a.stdout)
		table.SetHeader([]string{"Database", "Aliases"})
		table.SetAutoWrapText(false)

		for _, db := range p.Databases {
			table.Append([]string{db.Name, strings.Join(db.Aliases, ", ")})
		}

		table.Render()
		fprintf(a.stdout, "\n")
	}

	fprintf(a.stdout, "Bulk Selection Options:\n")
	fprintf(a.stdout, "  • all - All databases\n")

	for _, name := range cat.ProviderNames() {
		fprintf(a.stdout, "  • %s/all - All %s databases\n", name, providerTitle(name))
	}

	fprintf(a.stdout, "\nUsage Notes:\n")
	fprintf(a.stdout, "  • Database names are case-insensitive\n")
	fprintf(a.stdout, "  • File extensions are optional in most cases\n")
	fprintf(a.stdout, "  • Use short aliases for easier selection\n")

	return nil
}

func providerTitle(name string) string {
	switch name {
	case "maxmind":
		return "MaxMind"
	case "ip2location":
		return "IP2Location"
	default:
		return name
	}
}

func (a *app) showExamples(ctx context.Context, cfg *config.Config) error {
	cat := auth.Discover(ctx, infoClient(cfg), cfg.Endpoint)

	example := func(sel string) {
		fprintf(a.stdout, "  geoip_updater --api-key YOUR_KEY --databases %q\n", sel)
	}

	if cat.Fallback {
		fprintf(a.stdout, "Database Selection Examples (Legacy Mode):\n\n")
	} else {
		fprintf(a.stdout, "Database Selection Examples:\n\n")

		if len(cat.Examples.SingleDatabase) > 0 {
			fprintf(a.stdout, "Single Database Selection:\n")

			for _, e := range cat.Examples.SingleDatabase {
				example(e)
			}

			fprintf(a.stdout, "\n")
		}

		if len(cat.Examples.MultipleDatabases) > 0 {
			fprintf(a.stdout, "Multiple Database Selection:\n")

			for _, e := range cat.Examples.MultipleDatabases {
				example(strings.Join(e, ","))
			}

			fprintf(a.stdout, "\n")
		}

		if len(cat.Examples.BulkSelection) > 0 {
			fprintf(a.stdout, "Bulk Selection:\n")

			for _, e := range cat.Examples.BulkSelection {
				example(e)
			}

			fprintf(a.stdout, "\n")
		}
	}

	fprintf(a.stdout, "Common Examples:\n")
	fprintf(a.stdout, "  # Download all databases\n  geoip_updater --api-key YOUR_KEY\n\n")
	fprintf(a.stdout, "  # Download specific databases using aliases\n")
	example("city,country")
	fprintf(a.stdout, "\n  # Download all MaxMind databases\n")
	example("maxmind/all")
	fprintf(a.stdout, "\n  # Local testing against a development API\n")
	fprintf(a.stdout, "  geoip_updater --api-key test-key-1 --endpoint http://localhost:8080/auth --databases \"city\"\n")

	return nil
}

func (a *app) checkNames(ctx context.Context, cfg *config.Config) error {
	if err := requireKey(cfg); err != nil {
		logctx.LoggerFromContext(ctx).Error("configuration error", "err", err)

		return reported(err)
	}

	if cfg.Databases.All {
		fprintf(a.stdout, "%s\n", color.Green.Sprint("✓ Database selection 'all' is valid"))

		return nil
	}

	names, err := auth.NewClient(cfg.Endpoint, cfg.APIKey, infoClient(cfg)).CheckNames(ctx, cfg.Databases)
	if err != nil {
		fprintf(a.stdout, "%s\n", color.Red.Sprintf("✗ Validation failed: %s", checkFailure(err)))

		return reported(err)
	}

	fprintf(a.stdout, "%s\n", color.Green.Sprint("✓ All database names are valid"))
	fprintf(a.stdout, "%s\n", color.Green.Sprintf("✓ Resolved to %d database(s)", len(names)))

	for _, name := range names {
		fprintf(a.stdout, "  → %s\n", name)
	}

	return nil
}

// checkFailure renders the server's reason for rejecting a selection.
func checkFailure(err error) string {
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Message != "" {
			return statusErr.Message
		}

		return fmt.Sprintf("HTTP %d", statusErr.StatusCode)
	}

	var authErr *transport.AuthenticationError
	if errors.As(err, &authErr) {
		return fmt.Sprintf("HTTP %d", authErr.StatusCode)
	}

	return err.Error()
}

func requireKey(cfg *config.Config) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return config.ErrMissingAPIKey
	}

	if !config.IsValidAPIKey(cfg.APIKey) {
		return config.ErrInvalidAPIKey
	}

	return nil
}

func (a *app) validateOnly(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	fprintf(a.stdout, "Validating database files in %s...\n", cfg.TargetDir)

	entries, err := os.ReadDir(cfg.TargetDir)
	if err != nil {
		err = &config.DirectoryError{DirectoryName: cfg.TargetDir, Reason: "cannot read directory", Err: err}
		logger.ErrorContext(ctx, "validation failed", "err", err)

		return reported(err)
	}

	var files []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if validate.ClassOf(e.Name()) != validate.ClassUnknown {
			files = append(files, e.Name())
		}
	}

	slices.Sort(files)

	if len(files) == 0 {
		fprintf(a.stdout, "%s\n", color.Red.Sprint("✗ No database files found"))

		return reported(fmt.Errorf("%w: no database files in %s", errValidationFailed, cfg.TargetDir))
	}

	valid, invalid := 0, 0

	for _, name := range files {
		out := validate.ValidateStrict(filepath.Join(cfg.TargetDir, name), name)

		if !out.Valid {
			invalid++

			fprintf(a.stdout, "%s\n", color.Red.Sprintf("✗ %s: %s", name, out.Reason))

			continue
		}

		valid++

		fprintf(a.stdout, "%s\n", color.Green.Sprintf("✓ %s (%s)", name, humanize.Bytes(uint64(out.Size))))

		for _, w := range out.Warnings {
			fprintf(a.stdout, "%s\n", color.Yellow.Sprintf("  ⚠ %s", w))
		}
	}

	fprintf(a.stdout, "\nValidation complete: %d valid, %d invalid\n", valid, invalid)

	if invalid > 0 {
		return reported(fmt.Errorf("%w: %d invalid file(s)", errValidationFailed, invalid))
	}

	return nil
}
