// Command you-kb acquires YouTube captions, indexes them into knowledge
// bases, and answers questions against them.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/config"
	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/downloader"
	"github.com/changtimwu/you-kb/processors"
	"github.com/changtimwu/you-kb/rag"
	"github.com/changtimwu/you-kb/server"
	"github.com/changtimwu/you-kb/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "acquire":
		err = cmdAcquire(args)
	case "kb-create":
		err = cmdKBCreate(args)
	case "digest":
		err = cmdDigest(args)
	case "kb-list":
		err = cmdKBList(args)
	case "kb-info":
		err = cmdKBInfo(args)
	case "kb-drop":
		err = cmdKBDrop(args)
	case "chat":
		err = cmdChat(args)
	case "serve":
		err = cmdServe(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: you-kb <command> [flags] [args]

Commands:
  acquire    fetch captions (or probe availability) for a video, playlist or channel
  kb-create  create a knowledge base
  digest     chunk, embed and index caption files into a knowledge base
  kb-list    list knowledge bases
  kb-info    show one knowledge base
  kb-drop    delete a knowledge base and its rows
  chat       ask questions against a knowledge base
  serve      expose knowledge bases and chat over HTTP

Run "you-kb <command> -h" for command flags.
`)
}

// signalContext cancels on SIGINT or SIGTERM so long-running commands shut
// down cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// splitName peels a leading positional argument off args so commands accept
// both "digest talks --source dir" and "digest --source dir talks".
func splitName(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func setup(verbose bool) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, core.NewLogger(verbose), nil
}

// ---------------- acquire ----------------

func cmdAcquire(args []string) error {
	fs := flag.NewFlagSet("acquire", flag.ExitOnError)
	list := fs.Bool("list", false, "probe caption availability without downloading")
	limit := fs.Int("limit", 0, "process at most N videos (0 = all)")
	lang := fs.String("lang", "", "caption language code (default from config)")
	output := fs.String("output", "", "output directory (default from config)")
	concurrency := fs.Int("concurrency", 0, "worker count (default from config)")
	transcribe := fs.Bool("transcribe", false, "transcribe videos that have no captions")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("acquire needs exactly one URL argument")
	}
	url := fs.Arg(0)

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if *lang == "" {
		*lang = cfg.Language
	}
	if *output == "" {
		*output = cfg.OutputDir
	}
	if *concurrency == 0 {
		*concurrency = cfg.Concurrency
	}

	mode := downloader.ModeDownload
	if *list {
		mode = downloader.ModeList
	}
	if *transcribe && mode == downloader.ModeList {
		return fmt.Errorf("--transcribe requires download mode, not --list")
	}

	ctx, cancel := signalContext()
	defer cancel()

	yt := downloader.NewYtDlp(cfg.YtDlpPath, log)
	refs, err := yt.ListVideos(ctx, url, *limit)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return fmt.Errorf("no videos found at %s", url)
	}
	fmt.Printf("Found %d video(s)\n", len(refs))

	fetcher := downloader.NewCaptionFetcher(yt, *output, log)
	var transcriber downloader.Transcriber
	if *transcribe {
		if err := cfg.RequireASR(); err != nil {
			return err
		}
		asr, err := processors.NewProvider(cfg, log)
		if err != nil {
			return err
		}
		transcriber = processors.NewTranscriptionFallback(yt, asr, *output, *lang, log)
	}

	orch := downloader.NewOrchestrator(fetcher, transcriber, log)
	results, stats := orch.Run(ctx, refs, downloader.Options{
		Mode:        mode,
		Concurrency: *concurrency,
		Limit:       *limit,
		Language:    *lang,
		Transcribe:  *transcribe,
		ItemTimeout: cfg.Timeout(),
		Progress: func(done, total int) {
			fmt.Fprintf(os.Stderr, "\rprocessed %d/%d", done, total)
		},
	})
	fmt.Fprintln(os.Stderr)

	printResults(results)
	printStats(stats)
	return ctx.Err()
}

func printResults(results []core.CaptionResult) {
	for _, r := range results {
		line := fmt.Sprintf("%-15s %s", r.Status, r.Video.Title)
		switch {
		case r.Err != "":
			line += "  (" + r.Err + ")"
		case r.Path != "":
			line += "  -> " + r.Path
		}
		fmt.Println(line)
	}
}

func printStats(s core.AggregateStats) {
	fmt.Println()
	fmt.Println("==== Acquisition summary ====")
	fmt.Printf("Videos:          %d\n", s.Total)
	fmt.Printf("Official:        %d\n", s.Official)
	fmt.Printf("Auto-generated:  %d\n", s.AutoGenerated)
	fmt.Printf("Transcribed:     %d\n", s.Transcribed)
	fmt.Printf("Unavailable:     %d\n", s.Unavailable)
	fmt.Printf("Errors:          %d\n", s.Errors)
	fmt.Printf("With captions:   %.1f%%\n", s.CaptionedPct)
	if s.Total > 0 {
		fmt.Printf("Avg duration:    %s\n", core.FormatMinSec(s.AvgDuration))
		fmt.Printf("Total duration:  %s\n", core.FormatHourMin(s.TotalDuration))
	}
}

// ---------------- knowledge base commands ----------------

func cmdKBCreate(args []string) error {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("kb-create", flag.ExitOnError)
	dim := fs.Int("dim", 0, "embedding dimension (default from config)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if name == "" {
		return fmt.Errorf("kb-create needs a knowledge base name")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if *dim == 0 {
		*dim = cfg.EmbeddingDim
	}

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	if err := store.CreateKB(ctx, name, cfg.EmbeddingModel, *dim); err != nil {
		return err
	}
	fmt.Printf("created knowledge base %s (model %s, dim %d)\n", name, cfg.EmbeddingModel, *dim)
	return nil
}

func cmdKBList(args []string) error {
	fs := flag.NewFlagSet("kb-list", flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	kbs, err := store.ListKBs(ctx)
	if err != nil {
		return err
	}
	if len(kbs) == 0 {
		fmt.Println("no knowledge bases")
		return nil
	}
	fmt.Printf("%-24s %10s %26s %6s  %s\n", "NAME", "ROWS", "MODEL", "DIM", "UPDATED")
	for _, kb := range kbs {
		fmt.Printf("%-24s %10d %26s %6d  %s\n",
			kb.Name, kb.RowCount, kb.EmbeddingModel, kb.Dimension,
			kb.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func cmdKBInfo(args []string) error {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("kb-info", flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if name == "" {
		return fmt.Errorf("kb-info needs a knowledge base name")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	kb, err := store.KBInfo(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("Name:       %s\n", kb.Name)
	fmt.Printf("Rows:       %d\n", kb.RowCount)
	fmt.Printf("Model:      %s\n", kb.EmbeddingModel)
	fmt.Printf("Dimension:  %d\n", kb.Dimension)
	fmt.Printf("Created:    %s\n", kb.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:    %s\n", kb.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func cmdKBDrop(args []string) error {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("kb-drop", flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if name == "" {
		return fmt.Errorf("kb-drop needs a knowledge base name")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	if err := store.DropKB(ctx, name); err != nil {
		return err
	}
	fmt.Printf("dropped knowledge base %s\n", name)
	return nil
}

// ---------------- digest ----------------

func cmdDigest(args []string) error {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	source := fs.String("source", "", "caption file or directory to index")
	pattern := fs.String("pattern", rag.DefaultPattern, "filename glob for directory sources")
	chunkSize := fs.Int("chunk-size", 0, "chunk size bound in characters (default from config)")
	watch := fs.Bool("watch", false, "keep running and re-digest when the source changes")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if name == "" {
		return fmt.Errorf("digest needs a knowledge base name")
	}
	if *source == "" {
		return fmt.Errorf("digest needs --source")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.RequireAPI(); err != nil {
		return err
	}
	if *chunkSize == 0 {
		*chunkSize = cfg.ChunkSize
	}

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	ix := rag.NewIndexer(store, storage.NewEmbedder(cfg, log), log)
	if *watch {
		return ix.Watch(ctx, name, *source, *pattern, *chunkSize)
	}
	n, err := ix.Digest(ctx, name, *source, *pattern, *chunkSize)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d chunk(s) into %s\n", n, name)
	return nil
}

// ---------------- chat ----------------

func cmdChat(args []string) error {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	topK := fs.Int("top-k", 0, "number of chunks to retrieve (default from config)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	leftover := fs.Args()
	if name == "" && len(leftover) > 0 {
		name, leftover = leftover[0], leftover[1:]
	}
	if name == "" {
		return fmt.Errorf("chat needs a knowledge base name")
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.RequireAPI(); err != nil {
		return err
	}
	if *topK == 0 {
		*topK = cfg.TopK
	}

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	engine := rag.NewEngine(cfg, store, storage.NewEmbedder(cfg, log), log)

	ask := func(question string) error {
		res, err := engine.Chat(ctx, name, question, *topK)
		if err != nil {
			return err
		}
		fmt.Println(res.Answer)
		if len(res.Citations) > 0 {
			fmt.Println("\nSources:")
			for _, c := range res.Citations {
				if c.URL != "" {
					fmt.Printf("  %s @ %s  %s\n", c.VideoID, core.FormatTimestamp(c.StartTime), c.URL)
				} else {
					fmt.Printf("  %s @ %s\n", c.VideoID, core.FormatTimestamp(c.StartTime))
				}
			}
		}
		return nil
	}

	// One question on the command line runs once; otherwise read from stdin.
	if len(leftover) > 0 {
		return ask(strings.Join(leftover, " "))
	}

	fmt.Printf("chatting with %s (type \"exit\" to quit)\n", name)
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		q := strings.TrimSpace(sc.Text())
		if q == "exit" || q == "quit" {
			return nil
		}
		if q != "" {
			if err := ask(q); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			fmt.Println()
		}
		fmt.Print("> ")
	}
	return sc.Err()
}

// ---------------- serve ----------------

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (default from config)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := setup(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.RequireAPI(); err != nil {
		return err
	}
	if *addr != "" {
		cfg.ServeAddr = *addr
	}

	ctx, cancel := signalContext()
	defer cancel()
	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	engine := rag.NewEngine(cfg, store, storage.NewEmbedder(cfg, log), log)
	return server.New(cfg, store, engine, log).Run(ctx)
}
