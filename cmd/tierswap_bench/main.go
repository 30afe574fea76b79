package main

import (
	"context"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/tierswap/config"
	copyengine "github.com/sushant-115/tierswap/core/copy_engine"
	"github.com/sushant-115/tierswap/core/exchange"
	memmanage "github.com/sushant-115/tierswap/core/mem_manage"
	pagemodel "github.com/sushant-115/tierswap/core/page_model"
	internaltelemetry "github.com/sushant-115/tierswap/internal/telemetry"
	"github.com/sushant-115/tierswap/pkg/logger"
	"github.com/sushant-115/tierswap/pkg/telemetry"
)

const (
	fastNodeID    = 0
	slowNodeID    = 1
	fastNodePages = 512  // deliberately tight so exchanges kick in
	slowNodePages = 4096 // slow tier holds the bulk of the working set
	workingSet    = 1024 // pages mapped by the synthetic process
	hotFraction   = 8    // one in hotFraction pages is hot
	rounds        = 10   // manage rounds to run
	vaddrBase     = 0x10000
)

func main() {
	cfg := loadConfig()

	zl, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("FATAL: failed to create logger: %v", err)
	}
	defer zl.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zl.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zl.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := internaltelemetry.NewExchangeMetrics(tel.Meter)
	if err != nil {
		zl.Fatal("failed to register metrics", zap.Error(err))
	}

	copier := copyengine.New(copyengine.Config{MaxWorkers: cfg.Engine.CopyWorkers})
	exch := exchange.NewExchanger(copier, zl, metrics)
	mgr := memmanage.NewManager(memmanage.Config{
		BatchSize:        cfg.Engine.BatchSize,
		PutbackHeadroom:  cfg.Engine.PutbackHeadroom,
		AllowSharedPages: cfg.Engine.AllowSharedPages,
		MigrateRate:      cfg.Engine.MigrateRate,
		MigrateBurst:     cfg.Engine.MigrateBurst,
		Mode:             engineMode(cfg.Engine),
	}, exch, zl, metrics)

	fast := pagemodel.NewNode(fastNodeID, fastNodePages)
	slow := pagemodel.NewNode(slowNodeID, slowNodePages)
	proc := buildWorkload(zl, fast, slow)

	ctx := context.Background()
	for round := 0; round < rounds; round++ {
		touchHotPages(proc)
		start := time.Now()
		stats, err := mgr.Manage(ctx, proc, fast, slow, workingSet/hotFraction)
		if err != nil {
			zl.Error("manage round failed", zap.Int("round", round), zap.Error(err))
			continue
		}
		zl.Info("round complete",
			zap.Int("round", round),
			zap.String("batch_id", stats.BatchID),
			zap.Int("migrated", stats.Migrated),
			zap.Int("exchanged", stats.Exchanged),
			zap.Int("failed", stats.Failed),
			zap.Duration("took", time.Since(start)),
			zap.Int64("fast_node_pages", fast.NrPages()),
			zap.Int64("slow_node_pages", slow.NrPages()),
		)
	}

	zl.Info("benchmark finished",
		zap.Int64("fast_node_pages", fast.NrPages()),
		zap.Int64("slow_node_pages", slow.NrPages()),
	)
}

func loadConfig() *config.Config {
	if len(os.Args) > 1 {
		cfg, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		return cfg
	}
	return config.Default()
}

func engineMode(e config.EngineConfig) exchange.Mode {
	mode := exchange.ModeSync
	if e.Multithread {
		mode |= exchange.ModeMultithread
	}
	if e.Concurrent {
		mode |= exchange.ModeConcur
	}
	return mode
}

// buildWorkload maps a synthetic working set: everything starts on the
// slow tier, a slice of the fast tier is pre-filled with cold pages so
// the manager has something to trade.
func buildWorkload(zl *zap.Logger, fast, slow *pagemodel.Node) *pagemodel.Process {
	proc := pagemodel.NewProcess(os.Getpid(), pagemodel.NewAccountGroup("bench", nil))

	for i := 0; i < workingSet; i++ {
		p := pagemodel.NewPage(pagemodel.PFN(i+1), 0)
		for j := range p.Data() {
			p.Data()[j] = byte(i)
		}
		slow.AttachPage(p, proc.Memcg)
		if err := proc.PT.Map(vaddr(i), p); err != nil {
			zl.Fatal("failed to map workload page", zap.Int("page", i), zap.Error(err))
		}
	}

	for i := 0; i < int(fastNodePages); i++ {
		p := pagemodel.NewPage(pagemodel.PFN(1<<20+i), 0)
		fast.AttachPage(p, proc.Memcg)
		if err := proc.PT.Map(vaddr(workingSet+i), p); err != nil {
			zl.Fatal("failed to map filler page", zap.Int("page", i), zap.Error(err))
		}
	}
	return proc
}

// touchHotPages marks the hot slice of the working set the way a
// hardware access-bit scan would.
func touchHotPages(proc *pagemodel.Process) {
	for i := 0; i < workingSet; i += hotFraction {
		p, ok, err := proc.PT.ResolveNoWait(vaddr(i))
		if err != nil || !ok {
			continue
		}
		p.SetFlag(pagemodel.FlagActive | pagemodel.FlagReferenced)
		if n := p.Node(); n != nil {
			// re-sort onto the right list for the next scan
			if n.IsolatePage(p) {
				n.ReturnIsolated(p)
			}
		}
	}
}

func vaddr(i int) uint64 {
	return uint64(vaddrBase + i*int(pagemodel.PageSize))
}
