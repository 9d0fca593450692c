package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/internal/config"
	"github.com/xkilldash9x/hxengine/internal/observability"
	"github.com/xkilldash9x/hxengine/pkg/customhttp"
	"github.com/xkilldash9x/hxengine/pkg/tracker"
)

type fetchOptions struct {
	method         string
	data           string
	headers        []string
	version        string
	discovery      string
	timeout        time.Duration
	connectTimeout time.Duration
	repeat         int
	insecure       bool
	proxy          string
	user           string
	include        bool
	jsonOutput     bool
}

// fetchResult is the --json rendering of one response.
type fetchResult struct {
	URL      string              `json:"url"`
	Status   int                 `json:"status"`
	Version  string              `json:"version"`
	Headers  map[string][]string `json:"headers"`
	Trailers map[string][]string `json:"trailers,omitempty"`
	Body     string              `json:"body"`
	// Previous lists the redirect and challenge responses, oldest first.
	Previous []string `json:"previous,omitempty"`
}

type fetchReport struct {
	Responses []fetchResult    `json:"responses"`
	Tracker   tracker.Snapshot `json:"tracker"`
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	fetchCmd := &cobra.Command{
		Use:   "fetch [url]",
		Short: "Sends a request and prints the response.",
		Long: `Sends one or more identical requests through the engine and prints the
responses. Repeated requests run concurrently over shared connections.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return runFetch(cmd, cfg, opts, args[0])
		},
	}

	fetchCmd.Flags().StringVarP(&opts.method, "method", "X", http.MethodGet, "request method")
	fetchCmd.Flags().StringVarP(&opts.data, "data", "d", "", "request body, or @file to read it from a file")
	fetchCmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVar(&opts.version, "http", "", "preferred protocol version (h1, h2, h3)")
	fetchCmd.Flags().StringVar(&opts.discovery, "discovery", "", "HTTP/3 discovery mode (any, alt-svc, uri-only)")
	fetchCmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 0, "request timeout, body included")
	fetchCmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 0, "connection establishment timeout")
	fetchCmd.Flags().IntVarP(&opts.repeat, "repeat", "n", 1, "number of identical requests to send concurrently")
	fetchCmd.Flags().BoolVarP(&opts.insecure, "insecure", "k", false, "skip TLS certificate verification")
	fetchCmd.Flags().StringVarP(&opts.proxy, "proxy", "x", "", "HTTP proxy URL")
	fetchCmd.Flags().StringVarP(&opts.user, "user", "u", "", "credentials as user:password")
	fetchCmd.Flags().BoolVarP(&opts.include, "include", "i", false, "print the status line and headers")
	fetchCmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print responses and tracker counters as JSON")
	return fetchCmd
}

// apply copies explicitly set flags over the loaded configuration.
func (o *fetchOptions) apply(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("http") {
		cfg.SetClientVersion(o.version)
	}
	if flags.Changed("discovery") {
		cfg.SetH3Discovery(o.discovery)
	}
	if flags.Changed("timeout") {
		cfg.SetRequestTimeout(o.timeout)
	}
	if flags.Changed("connect-timeout") {
		cfg.SetConnectTimeout(o.connectTimeout)
	}
	if flags.Changed("insecure") {
		cfg.SetInsecureSkipVerify(o.insecure)
	}
	if flags.Changed("proxy") {
		cfg.SetProxyURL(o.proxy)
	}
	if flags.Changed("user") {
		user, pass, ok := strings.Cut(o.user, ":")
		if !ok || user == "" {
			return fmt.Errorf("--user must be user:password")
		}
		cfg.SetCredentials(user, pass)
	}
	if o.repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", o.repeat)
	}
	return nil
}

func (o *fetchOptions) body() (customhttp.BodyPublisher, error) {
	switch {
	case o.data == "":
		return customhttp.NoBody(), nil
	case strings.HasPrefix(o.data, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(o.data, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return customhttp.BytesBody(b), nil
	default:
		return customhttp.StringBody(o.data), nil
	}
}

func (o *fetchOptions) buildRequest(rawURL string) (*customhttp.Request, error) {
	body, err := o.body()
	if err != nil {
		return nil, err
	}
	b := customhttp.NewRequestBuilder(rawURL).Method(strings.ToUpper(o.method), body)
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		b.Header(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return b.Build()
}

func runFetch(cmd *cobra.Command, cfg *config.Config, opts *fetchOptions, rawURL string) error {
	logger := observability.GetLogger().Named("fetch")
	if err := opts.apply(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	req, err := opts.buildRequest(rawURL)
	if err != nil {
		return err
	}

	cc, err := newClientConfig(cfg, logger)
	if err != nil {
		return err
	}
	client, err := customhttp.NewClient(cc)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if pool, ok := cc.Executor.(*customhttp.WorkerPool); ok {
		defer pool.Shutdown()
	}

	reqs := lo.Times(opts.repeat, func(int) *customhttp.Request { return req })
	logger.Debug("Sending requests", zap.String("url", rawURL), zap.Int("count", len(reqs)))
	results, sendErr := customhttp.SendAll(cmd.Context(), client, reqs, customhttp.OfBytes())

	// The tracker is read after Close so it reflects a fully drained client.
	if err := client.Close(); err != nil {
		logger.Warn("Errors closing connections", zap.Error(err))
	}
	if sendErr != nil {
		return sendErr
	}
	snapshot := client.Tracker().Snapshot()
	logger.Debug("Client closed", zap.Stringer("tracker", snapshot))

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		report := fetchReport{Tracker: snapshot}
		report.Responses = lo.Map(results, func(r *customhttp.TypedResponse[[]byte], _ int) fetchResult {
			return toFetchResult(r)
		})
		enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	for _, r := range results {
		if opts.include {
			printHead(out, r.Response)
		}
		if _, err := out.Write(r.Value); err != nil {
			return err
		}
	}
	return nil
}

func toFetchResult(r *customhttp.TypedResponse[[]byte]) fetchResult {
	res := fetchResult{
		URL:      r.Request.URL().String(),
		Status:   r.StatusCode,
		Version:  r.Version.String(),
		Headers:  r.Header,
		Trailers: r.Trailer,
		Body:     string(r.Value),
	}
	for p := r.Previous; p != nil; p = p.Previous {
		res.Previous = append([]string{fmt.Sprintf("%d %s", p.StatusCode, p.Request.URL())}, res.Previous...)
	}
	return res
}

func printHead(w io.Writer, resp *customhttp.Response) {
	fmt.Fprintln(w, resp.String())
	names := lo.Keys(resp.Header)
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(w)
}
