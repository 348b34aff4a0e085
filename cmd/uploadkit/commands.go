package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"

	"github.com/udl-tools/go-uploadkit/compression"
	"github.com/udl-tools/go-uploadkit/feed"
	"github.com/udl-tools/go-uploadkit/ledger"
	"github.com/udl-tools/go-uploadkit/network"
	"github.com/udl-tools/go-uploadkit/publish"
	"github.com/udl-tools/go-uploadkit/server"
	"github.com/udl-tools/go-uploadkit/upload"
)

// tagFlags collects repeated -tag Name=Value flags.
type tagFlags []upload.Tag

func (t *tagFlags) String() string {
	parts := make([]string, 0, len(*t))
	for _, tag := range *t {
		parts = append(parts, tag.Name+"="+tag.Value)
	}
	return strings.Join(parts, ",")
}

func (t *tagFlags) Set(value string) error {
	name, v, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid tag %q, expected Name=Value", value)
	}
	*t = append(*t, upload.Tag{Name: strings.TrimSpace(name), Value: v})
	return nil
}

// timeFlag accepts RFC 3339 timestamps and plain dates.
type timeFlag struct {
	time.Time
}

func (t *timeFlag) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (t *timeFlag) Set(value string) error {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		parsed, err = time.Parse(time.DateOnly, value)
	}
	if err != nil {
		return fmt.Errorf("invalid time %q, expected RFC 3339 or YYYY-MM-DD", value)
	}
	t.Time = parsed
	return nil
}

func uploadCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("upload", flag.ContinueOnError)
	name := flags.String("name", "", "name stored in the history")
	contentType := flags.String("content-type", "", "override the detected content type")
	getSignature := flags.Bool("receipt-signature", false, "ask the node for a signed receipt")
	var tags tagFlags
	flags.Var(&tags, "tag", "tag attached to the upload, Name=Value (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return upload.NewValidationError("please select a file first")
	}

	a.cfg.Print(a.logger)

	p, err := a.publisher(ctx)
	if err != nil {
		return err
	}

	lastReported := -1
	result, err := p.Publish(ctx, publish.Input{
		Paths:               flags.Args(),
		Name:                *name,
		ContentType:         *contentType,
		Tags:                tags,
		GetReceiptSignature: *getSignature,
		OnProgress: func(progress upload.Progress) {
			// one line per 10%
			step := int(progress.Snapshot.Progress) / 10
			if step > lastReported && !progress.Terminal() {
				lastReported = step
				a.logger.Printf("%5.1f%% (%d/%d chunks)", progress.Snapshot.Progress, progress.Snapshot.ChunksCompleted, progress.Snapshot.TotalChunks)
			}
		},
	})
	if err != nil {
		return err
	}

	fmt.Println(result.Address)
	return nil
}

func historyCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("history", flag.ContinueOnError)
	status := flags.String("status", "", "only uploads with this status (uploading, completed, failed)")
	contentType := flags.String("content-type", "", "only uploads with this content type")
	limit := flags.Int("limit", ledger.DefaultListLimit, "maximum number of uploads")
	asJSON := flags.Bool("json", false, "print JSON")
	var from, to timeFlag
	flags.Var(&from, "from", "only uploads started at or after this time")
	flags.Var(&to, "to", "only uploads started at or before this time")
	if err := flags.Parse(args); err != nil {
		return err
	}

	l, err := a.history(ctx)
	if err != nil {
		return err
	}
	if l == nil {
		return errors.New("upload history is disabled, set ledger.path")
	}

	if flags.NArg() > 0 {
		entry, err := l.Get(ctx, flags.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(entry)
	}

	entries, err := l.List(ctx, ledger.Filter{
		Status:      upload.Status(*status),
		ContentType: *contentType,
		From:        from.Time,
		To:          to.Time,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tNAME\tSIZE\tSTATUS\tPROGRESS\tCREATED\tADDRESS")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
			e.JobID, e.Name, units.HumanSizeWithPrecision(float64(e.SourceSize), 3), e.Status, e.Progress,
			e.CreatedAt.Local().Format(time.DateTime), e.Address)
	}
	return w.Flush()
}

func queryCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("query", flag.ContinueOnError)
	node := flags.String("node", a.cfg.Node.URL, "node name (node1, node2, devnet) or URL")
	currency := flags.String("currency", "", "only transactions paid with this currency")
	contentType := flags.String("content-type", "", "only transactions with this content type")
	limit := flags.Int("limit", feed.DefaultLimit, "maximum number of transactions")
	var from, to timeFlag
	flags.Var(&from, "from", "only transactions at or after this time")
	flags.Var(&to, "to", "only transactions at or before this time")
	if err := flags.Parse(args); err != nil {
		return err
	}

	transactions, err := feed.NewClient(a.logger).Query(ctx, feed.Query{
		Node:        *node,
		ContentType: *contentType,
		Currency:    *currency,
		From:        from.Time,
		To:          to.Time,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(transactions)
}

func fetchCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("fetch", flag.ContinueOnError)
	output := flags.String("o", "", "output path (default: the ID in the current directory)")
	extract := flags.String("extract", "", "extract a fetched .tar.zst bundle into this directory")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return upload.NewValidationError("exactly one ID is required")
	}
	id := flags.Arg(0)

	dest := *output
	if dest == "" {
		dest = id
	}
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	start := time.Now()
	url, err := network.Download(ctx, network.DownloadParams{
		GatewayURL:   a.cfg.Upload.GatewayURL,
		ID:           id,
		DownloadPath: dest,
	}, a.logger)
	if err != nil {
		return err
	}
	a.logger.Donef("Downloaded %s in %s", url, time.Since(start).Round(time.Second))

	if *extract == "" {
		fmt.Println(dest)
		return nil
	}
	if err := a.bundler().Extract(dest, *extract); err != nil {
		return fmt.Errorf("extract %s: %w (is it a %s bundle?)", dest, err, compression.Extension)
	}
	a.logger.Donef("Extracted to %s", *extract)
	fmt.Println(*extract)
	return nil
}

func balanceCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("balance", flag.ContinueOnError)
	node := flags.String("node", a.cfg.Node.URL, "node name (node1, node2, devnet) or URL")
	currency := flags.String("currency", a.cfg.Node.Currency, "currency the node is funded with")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return upload.NewValidationError("exactly one address is required")
	}

	nodeURL, err := resolveAccount(*node, *currency)
	if err != nil {
		return err
	}
	balance, err := network.NewAccounts(a.logger).Balance(ctx, nodeURL, *currency, flags.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(balance)
}

func priceCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("price", flag.ContinueOnError)
	node := flags.String("node", a.cfg.Node.URL, "node name (node1, node2, devnet) or URL")
	currency := flags.String("currency", a.cfg.Node.Currency, "currency the node is paid with")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return upload.NewValidationError("exactly one size is required, e.g. 25MiB")
	}
	size, err := units.RAMInBytes(flags.Arg(0))
	if err != nil {
		return upload.NewValidationError("invalid size: %s", flags.Arg(0))
	}

	nodeURL, err := resolveAccount(*node, *currency)
	if err != nil {
		return err
	}
	price, err := network.NewAccounts(a.logger).Price(ctx, nodeURL, *currency, size)
	if err != nil {
		return err
	}
	return printJSON(price)
}

func resolveAccount(node, currency string) (string, error) {
	nodeURL, err := feed.ResolveNode(node)
	if err != nil {
		return "", err
	}
	if err := feed.ValidateCurrency(currency); err != nil {
		return "", err
	}
	return nodeURL, nil
}

func serveCommand(ctx context.Context, a *app, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := flags.String("addr", a.cfg.Server.Addr, "listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a.cfg.Print(a.logger)

	p, err := a.publisher(ctx)
	if err != nil {
		return err
	}

	var history server.History
	l, err := a.history(ctx)
	if err != nil {
		return err
	}
	if l != nil {
		history = l
	}

	setGinMode(a.cfg.Server.Mode)
	s := server.New(p, history, feed.NewClient(a.logger), network.NewAccounts(a.logger), server.Options{
		SpoolDir:        a.cfg.Server.TempDir,
		MaxUploadSize:   int64(a.cfg.Server.MaxUploadSize),
		DefaultNode:     a.cfg.Node.URL,
		DefaultCurrency: a.cfg.Node.Currency,
		Retention:       a.cfg.Server.Retention,
	}, a.logger)

	return s.Run(ctx, *addr)
}

func setGinMode(mode string) {
	switch mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
