package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/italolelis/geoip_updater/internal/config"
	"github.com/italolelis/geoip_updater/internal/downloader"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
)

// reportedError marks an error that was already logged or printed.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}

	return &reportedError{err: err}
}

type flags struct {
	configFile      string
	apiKey          string
	endpoint        string
	directory       string
	databases       string
	logFile         string
	otlpEndpoint    string
	metricsTextfile string
	retries         int
	timeoutSeconds  int
	concurrent      int
	deadline        time.Duration
	quiet           bool
	verbose         bool
	noLock          bool
	noSSLVerify     bool
	jitter          bool

	listDatabases bool
	showExamples  bool
	checkNames    bool
	validateOnly  bool
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var rep *reportedError
	if !errors.As(err, &rep) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}

	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case downloader.IsPartialFailure(err):
		return exitPartial
	default:
		return exitFailure
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "geoip_updater",
		Short: "Download and install GeoIP databases",
		Long: `geoip_updater exchanges an API key for download URLs, fetches the selected
GeoIP databases in parallel, validates them and atomically installs them into
the target directory.

Environment variables: GEOIP_API_KEY, GEOIP_API_ENDPOINT, GEOIP_TARGET_DIR,
GEOIP_LOG_FILE, GEOIP_DATABASES and more (see --config for a YAML file).`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := &app{stdout: stdout, stderr: stderr}

			return a.dispatch(cmd.Context(), f, f.overrides(cmd))
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("geoip_updater v{{.Version}}\n")

	fs := cmd.Flags()
	fs.SortFlags = false

	fs.StringVarP(&f.apiKey, "api-key", "k", "", "API key (env: GEOIP_API_KEY)")
	fs.StringVarP(&f.endpoint, "endpoint", "e", config.DefaultEndpoint, "API endpoint URL (env: GEOIP_API_ENDPOINT)")
	fs.StringVarP(&f.directory, "directory", "d", config.DefaultTargetDir, "target directory (env: GEOIP_TARGET_DIR)")
	fs.StringVarP(&f.databases, "databases", "b", "all", "comma separated database names or 'all'")
	fs.IntVarP(&f.retries, "retries", "r", config.DefaultRetries, "maximum attempts per request")
	fs.IntVarP(&f.timeoutSeconds, "timeout", "t", int(config.DefaultTimeout/time.Second), "per-request timeout in seconds")
	fs.IntVar(&f.concurrent, "concurrent", config.DefaultConcurrency, "maximum concurrent downloads")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "only log errors")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log debug output")
	fs.StringVarP(&f.logFile, "log-file", "l", "", "also write JSON logs to this file (env: GEOIP_LOG_FILE)")
	fs.BoolVarP(&f.noLock, "no-lock", "n", false, "do not use the single-instance lock file")
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file (env: GEOIP_CONFIG)")
	fs.BoolVar(&f.noSSLVerify, "no-ssl-verify", false, "disable TLS certificate verification")
	fs.DurationVar(&f.deadline, "deadline", 0, "overall deadline for the run, 0 for none")
	fs.BoolVar(&f.jitter, "jitter", false, "add random jitter to retry delays")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "push metrics to this OTLP/gRPC endpoint")
	fs.StringVar(&f.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
	fs.BoolVarP(&f.listDatabases, "list-databases", "L", false, "list available databases and aliases")
	fs.BoolVarP(&f.showExamples, "show-examples", "E", false, "show database selection examples")
	fs.BoolVarP(&f.checkNames, "check-names", "C", false, "check database names with the API without downloading")
	fs.BoolVarP(&f.validateOnly, "validate-only", "V", false, "validate databases already in the target directory")

	cmd.MarkFlagsMutuallyExclusive("quiet", "verbose")
	cmd.MarkFlagsMutuallyExclusive("list-databases", "show-examples", "check-names", "validate-only")

	return cmd
}

// overrides keeps only the flags the user actually set so that environment
// and file values are not masked by flag defaults.
func (f *flags) overrides(cmd *cobra.Command) config.Overrides {
	fs := cmd.Flags()

	var o config.Overrides

	str := func(name string, v *string) *string {
		if fs.Changed(name) {
			return v
		}

		return nil
	}

	o.ConfigFile = str("config", &f.configFile)
	o.APIKey = str("api-key", &f.apiKey)
	o.Endpoint = str("endpoint", &f.endpoint)
	o.TargetDir = str("directory", &f.directory)
	o.Databases = str("databases", &f.databases)
	o.LogFile = str("log-file", &f.logFile)
	o.OTLPEndpoint = str("otlp-endpoint", &f.otlpEndpoint)
	o.Metrics = str("metrics-textfile", &f.metricsTextfile)

	if fs.Changed("retries") {
		o.MaxRetries = &f.retries
	}

	if fs.Changed("timeout") {
		d := time.Duration(f.timeoutSeconds) * time.Second
		o.Timeout = &d
	}

	if fs.Changed("concurrent") {
		o.MaxConcurrency = &f.concurrent
	}

	if fs.Changed("deadline") {
		o.Deadline = &f.deadline
	}

	for name, dst := range map[string]**bool{
		"no-lock":       &o.NoLock,
		"no-ssl-verify": &o.Insecure,
		"jitter":        &o.Jitter,
		"quiet":         &o.Quiet,
		"verbose":       &o.Verbose,
	} {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = &v
		}
	}

	return o
}
