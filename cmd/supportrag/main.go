package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"supportrag/internal/chunker"
	"supportrag/internal/config"
	"supportrag/internal/domain"
	"supportrag/internal/embedding/hashing"
	embedopenai "supportrag/internal/embedding/openai"
	genopenai "supportrag/internal/generation/openai"
	"supportrag/internal/logging"
	"supportrag/internal/querylog"
	"supportrag/internal/service"
	"supportrag/internal/tui"
	"supportrag/internal/vectorstore/disk"
	"supportrag/internal/vectorstore/memory"
)

const usage = `Usage: supportrag [--config=config.yaml] <command> [flags] [args]

Commands:
  recommend [--top-k N] [--method max|mean|hybrid] [--json] <query>
  answer    [--top-k N] [--max-prompt-chunks N] [--threshold F] [--json] <query>
  console   interactive support conversation
  index     <articles.csv>   chunk, embed and append articles (id,title,body)
  delete    <chunk_id>
  chunks    [--json]         list stored chunks
`

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ./config.yaml or ~/.config/supportrag/config.yaml if not provided)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	cmd, rest := args[0], args[1:]

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cmd == "console" && cfg.Logging.File == "" {
		cfg.Logging.File = "logs/supportrag.log"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	needsGenerator := cmd == "answer" || cmd == "console"
	a := assemble(ctx, cfg, needsGenerator, logger)
	defer a.recorder.Close()

	switch cmd {
	case "recommend":
		err = runRecommend(ctx, a.svc, rest)
	case "answer":
		err = runAnswer(ctx, a.svc, rest)
	case "console":
		m := tui.New(a.svc, cfg.Answer.ProductName, 2*time.Duration(cfg.Generator.TimeoutSecs)*time.Second)
		_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	case "index":
		err = runIndex(ctx, a.svc, rest)
	case "delete":
		err = runDelete(ctx, a.svc, rest)
	case "chunks":
		err = runChunks(a.svc, rest)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	svc      *service.Service
	recorder *querylog.Recorder
}

// assemble builds every component named by the config.
func assemble(ctx context.Context, cfg *config.AppConfig, needsGenerator bool, logger *zap.Logger) app {
	var emb domain.Embedder
	switch cfg.Embedder.Type {
	case "hashing", "":
		dim := hashing.DefaultDimension
		if cfg.Embedder.Hashing != nil {
			dim = cfg.Embedder.Hashing.Dimension
		}
		emb = hashing.NewEmbedder(dim)
	case "openai":
		if cfg.Embedder.OpenAI == nil {
			logger.Fatal("openai embedder config missing")
		}
		oc := cfg.Embedder.OpenAI
		client, err := embedopenai.NewClient(embedopenai.Config{
			BaseURL:    oc.BaseURL,
			APIKeyEnv:  oc.APIKeyEnv,
			Model:      oc.Model,
			Timeout:    time.Duration(oc.TimeoutSecs) * time.Second,
			Dimension:  oc.Dimension,
			BatchSize:  oc.BatchSize,
			MaxRetries: oc.MaxRetries,
		}, logger.Named("embedder"))
		if err != nil {
			logger.Fatal("openai embedder init failed", zap.Error(err))
		}
		emb = client
	default:
		logger.Fatal("unknown embedder", zap.String("type", cfg.Embedder.Type))
	}

	var gen domain.Generator
	switch cfg.Generator.Type {
	case "openai", "":
		if !needsGenerator {
			break
		}
		client, err := genopenai.NewClient(genopenai.Config{
			BaseURL:   cfg.Generator.BaseURL,
			APIKeyEnv: cfg.Generator.APIKeyEnv,
			Model:     cfg.Generator.Model,
			Timeout:   time.Duration(cfg.Generator.TimeoutSecs) * time.Second,
		}, logger.Named("generator"))
		if err != nil {
			logger.Fatal("generator init failed", zap.Error(err))
		}
		gen = client
	case "none":
	default:
		logger.Fatal("unknown generator", zap.String("type", cfg.Generator.Type))
	}

	st := memory.NewStorage(disk.NewStore(disk.Config{
		Dir:         cfg.Store.Dir,
		VectorsFile: cfg.Store.VectorsFile,
		MetaFile:    cfg.Store.MetaFile,
	}), logger.Named("store"))
	if err := st.Load(); err != nil {
		logger.Fatal("failed to load chunk store", zap.Error(err))
	}
	if d := emb.Dimension(); d > 0 && st.Len() > 0 && d != st.Dimension() {
		logger.Warn("embedder and store dimensions differ; rebuild the store",
			zap.Int("embedder", d), zap.Int("store", st.Dimension()))
	}

	var sink querylog.Sink
	switch cfg.QueryLog.Type {
	case "none", "":
	case "file":
		fs, err := querylog.NewFileSink(cfg.QueryLog.Path)
		if err != nil {
			logger.Fatal("query log init failed", zap.Error(err))
		}
		sink = fs
	case querylog.DialectSQLite, querylog.DialectPostgres:
		ss, err := querylog.OpenSQL(ctx, cfg.QueryLog.Type, cfg.QueryLog.DSN)
		if err != nil {
			logger.Fatal("query log init failed", zap.Error(err))
		}
		sink = ss
	default:
		logger.Fatal("unknown query log", zap.String("type", cfg.QueryLog.Type))
	}
	recorder := querylog.NewRecorder(sink, logger.Named("querylog"))

	svc := service.NewService(emb, st, gen, recorder, service.OptionsFromConfig(cfg), logger.Named("service"))
	logger.Info("assembled",
		zap.String("embedder", emb.Name()),
		zap.Int("chunks", st.Len()),
		zap.Bool("generator", gen != nil),
		zap.String("query_log", cfg.QueryLog.Type))
	return app{svc: svc, recorder: recorder}
}

func runRecommend(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	topK := fs.Int("top-k", 0, "number of articles to return (0 = configured default)")
	method := fs.String("method", "", "aggregation method: max, mean or hybrid")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	rec, err := svc.Recommend(ctx, service.RecommendRequest{
		Query:  strings.Join(fs.Args(), " "),
		TopK:   *topK,
		Method: *method,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(rec)
	}
	printRecommendation(rec)
	return nil
}

func runAnswer(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("answer", flag.ExitOnError)
	topK := fs.Int("top-k", 0, "number of ranked articles to retrieve (0 = configured default)")
	maxChunks := fs.Int("max-prompt-chunks", 0, "evidence entries placed in the prompt (0 = configured default)")
	threshold := fs.Float64("threshold", 0, "confidence below which the relevance gate runs (unset = configured default)")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	req := service.AnswerRequest{
		Query:           strings.Join(fs.Args(), " "),
		TopK:            *topK,
		MaxPromptChunks: *maxChunks,
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "threshold" {
			req.Threshold = threshold
		}
	})
	res, err := svc.Answer(ctx, req)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(res)
	}
	printAnswer(res)
	return nil
}

func runIndex(ctx context.Context, svc *service.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("index needs exactly one articles CSV path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	articles, err := chunker.ReadArticles(f)
	if err != nil {
		return err
	}
	n, err := svc.IndexArticles(ctx, articles)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d articles into %d chunks (%d stored)\n", len(articles), n, len(svc.ListChunks()))
	return nil
}

func runDelete(ctx context.Context, svc *service.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete needs exactly one chunk id")
	}
	ok, err := svc.DeleteChunk(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("chunk %s not found\n", args[0])
		return nil
	}
	fmt.Printf("deleted chunk %s\n", args[0])
	return nil
}

func runChunks(svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("chunks", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)
	chunks := svc.ListChunks()
	if *asJSON {
		return printJSON(chunks)
	}
	printChunks(chunks)
	return nil
}
