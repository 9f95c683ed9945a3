package ocr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"ledger-reconciler/pkg/errors"
	"ledger-reconciler/pkg/logger"
)

// Engine recognizes the text of one image. Engines hold per-worker state and
// are not shared between workers.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
	Close() error
}

// EngineFactory creates the engine for one worker.
type EngineFactory func() (Engine, error)

// PoolConfig sizes the recognition pool.
type PoolConfig struct {
	Workers      int `mapstructure:"workers"`
	RebuildAfter int `mapstructure:"rebuild_after"`
}

// DefaultPoolConfig returns four workers, rebuilt every 100 jobs.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:      4,
		RebuildAfter: 100,
	}
}

// Validate checks the configuration
func (c *PoolConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("ocr workers must be positive")
	}
	if c.RebuildAfter <= 0 {
		return fmt.Errorf("ocr rebuild threshold must be positive")
	}
	return nil
}

type job struct {
	ctx   context.Context
	image []byte
	reply chan<- jobResult
}

type jobResult struct {
	text string
	err  error
}

// Pool is a fixed set of recognition workers. Once the number of jobs run
// since the last build reaches RebuildAfter, every engine is closed and the
// pool is built again from the factory.
type Pool struct {
	config  *PoolConfig
	factory EngineFactory
	logger  logger.Logger

	mu      sync.RWMutex
	jobs    chan job
	engines []Engine
	workers sync.WaitGroup
	closed  bool

	done        atomic.Int64
	generations atomic.Int64
}

// NewPool builds a pool with one engine per worker.
func NewPool(config *PoolConfig, factory EngineFactory, log logger.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "ocr", config.Workers, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	p := &Pool{
		config:  config,
		factory: factory,
		logger:  log.WithComponent("ocr_pool"),
	}
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) start() error {
	engines := make([]Engine, 0, p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		e, err := p.factory()
		if err != nil {
			closeEngines(engines)
			return errors.OCRError(errors.CodeServiceUnavailable, "engine", err)
		}
		engines = append(engines, e)
	}

	p.engines = engines
	p.jobs = make(chan job)
	for _, e := range engines {
		p.workers.Add(1)
		go p.worker(e, p.jobs)
	}
	p.generations.Add(1)

	p.logger.WithField("workers", len(engines)).Debug("Recognition pool started")
	return nil
}

func (p *Pool) worker(e Engine, jobs <-chan job) {
	defer p.workers.Done()
	for j := range jobs {
		text, err := e.Recognize(j.ctx, j.image)
		p.done.Add(1)
		j.reply <- jobResult{text: text, err: err}
	}
}

func (p *Pool) stop() error {
	close(p.jobs)
	p.workers.Wait()
	err := closeEngines(p.engines)
	p.engines = nil
	return err
}

func closeEngines(engines []Engine) error {
	var msgs []string
	for _, e := range engines {
		if err := e.Close(); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("closing engines: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// RecognizeRegions recognizes every region concurrently and returns the texts
// in region order once all of them finish. The first failure cancels the
// regions still waiting for a worker and is returned after the join.
func (p *Pool) RecognizeRegions(ctx context.Context, regions [][]byte) ([]string, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.OCRError(errors.CodeServiceUnavailable, "pool", fmt.Errorf("pool is closed"))
	}

	texts := make([]string, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, image := range regions {
		g.Go(func() error {
			reply := make(chan jobResult, 1)
			select {
			case p.jobs <- job{ctx: gctx, image: image, reply: reply}:
			case <-gctx.Done():
				return errors.OCRError(errors.CodeRecognitionFailed, fmt.Sprintf("region %d", i), gctx.Err())
			}
			r := <-reply
			if r.err != nil {
				return errors.OCRError(errors.CodeRecognitionFailed, fmt.Sprintf("region %d", i), r.err)
			}
			texts[i] = NormalizeRegionText(r.text)
			return nil
		})
	}
	err := g.Wait()
	p.mu.RUnlock()

	if p.done.Load() >= int64(p.config.RebuildAfter) {
		if rebuildErr := p.rebuild(); rebuildErr != nil {
			return nil, rebuildErr
		}
	}
	if err != nil {
		return nil, err
	}
	return texts, nil
}

func (p *Pool) rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// another caller may have rebuilt while we waited for the lock
	if p.closed || p.done.Load() < int64(p.config.RebuildAfter) {
		return nil
	}

	p.logger.WithField("jobs", p.done.Load()).Info("Rebuilding recognition pool")
	if err := p.stop(); err != nil {
		p.logger.WithError(err).Warn("Failed to close recognition engines")
	}
	p.done.Store(0)
	if err := p.start(); err != nil {
		p.closed = true
		return err
	}
	return nil
}

// Jobs returns the number of jobs run since the pool was last built.
func (p *Pool) Jobs() int {
	return int(p.done.Load())
}

// Generation counts how many times the pool has been built, starting at 1.
func (p *Pool) Generation() int {
	return int(p.generations.Load())
}

// Close stops the workers and closes their engines.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.stop()
}

// ClientEngine recognizes images through a cnocr Client, joining block texts
// with newlines.
type ClientEngine struct {
	client *Client
}

// NewClientEngine wraps client as an Engine.
func NewClientEngine(client *Client) *ClientEngine {
	return &ClientEngine{client: client}
}

// ClientEngineFactory returns a factory whose engines share client.
func ClientEngineFactory(client *Client) EngineFactory {
	return func() (Engine, error) {
		return NewClientEngine(client), nil
	}
}

// Recognize implements Engine
func (e *ClientEngine) Recognize(ctx context.Context, image []byte) (string, error) {
	blocks, err := e.client.Recognize(ctx, image, "region.png")
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		lines = append(lines, b.Text)
	}
	return strings.Join(lines, "\n"), nil
}

// Close implements Engine
func (e *ClientEngine) Close() error { return nil }
