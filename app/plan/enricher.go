package plan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/go-pkgz/lgr"

	"github.com/umputun/prefkeeper/app/document"
	"github.com/umputun/prefkeeper/app/prefs"
)

// Enricher implements prefs.PlanEnricher with tiers from Config, thread safe
type Enricher struct {
	mu       sync.RWMutex
	cfg      Config
	debounce time.Duration // delay between the last file event and reload
}

// NewEnricher makes Enricher for a validated config
func NewEnricher(cfg Config) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Enricher{cfg: cfg, debounce: 500 * time.Millisecond}, nil
}

// Config returns the active plans
func (e *Enricher) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Update replaces plans if cfg is valid
func (e *Enricher) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Enrich returns a copy of doc with plan.tier, plan.limits and plan.remaining computed for the principal.
// Other fields of the plan container, like renewsAt, are kept.
func (e *Enricher) Enrich(_ context.Context, doc document.Document, p prefs.Principal) (document.Document, error) {
	if doc == nil {
		return nil, errors.New("can't enrich nil document")
	}
	name, tier, ok := e.Config().Lookup(p.Plan)
	if !ok && p.Plan != "" {
		log.Printf("[WARN] unknown plan %q for %s, using %q", p.Plan, p.ID, name)
	}

	res := doc.Clone()
	planObj := res.Object(document.KeyPlan)
	if planObj == nil {
		planObj = map[string]any{}
	}
	planObj["tier"] = name
	planObj["limits"] = tier.Limits.toMap()
	planObj["remaining"] = remaining(tier.Limits, res)
	res[document.KeyPlan] = planObj
	return res, nil
}

// Strip returns a copy of payload without the plan container, it is owned by the server
func (e *Enricher) Strip(payload document.Document) document.Document {
	res := payload.Clone()
	if res == nil {
		return document.Document{}
	}
	delete(res, document.KeyPlan)
	return res
}

// Watch reloads plans from file on change until ctx is done. The directory is watched rather than the file,
// so editors replacing the file by rename are handled. A broken file is logged and the active plans are kept.
func (e *Enricher) Watch(ctx context.Context, file string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("can't make plans watcher: %w", err)
	}
	absFile, err := filepath.Abs(file)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("can't resolve plans file %s: %w", file, err)
	}
	if err := watcher.Add(filepath.Dir(absFile)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("can't watch plans directory for %s: %w", file, err)
	}
	log.Printf("[INFO] watching plans file %s", absFile)

	go func() {
		defer watcher.Close()
		timer := time.NewTimer(e.debounce)
		timer.Stop()
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != absFile || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				timer.Reset(e.debounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] plans watcher error, %v", err)
			case <-timer.C:
				e.reload(absFile)
			}
		}
	}()
	return nil
}

func (e *Enricher) reload(file string) {
	cfg, err := Load(file)
	if err != nil {
		log.Printf("[WARN] can't reload plans, keep active ones: %v", err)
		return
	}
	if err := e.Update(cfg); err != nil {
		log.Printf("[WARN] can't apply plans from %s, %v", file, err)
		return
	}
	log.Printf("[INFO] plans reloaded from %s, tiers: %v", file, cfg.Names())
}

func (l Limits) toMap() map[string]any {
	return map[string]any{
		"searchesPerMonth": float64(l.SearchesPerMonth),
		"cvGenerations":    float64(l.CVGenerations),
		"coverLetters":     float64(l.CoverLetters),
		"savedJobs":        float64(l.SavedJobs),
	}
}

// remaining computes quota left from the document's usage counters, floored at 0, -1 for unlimited
func remaining(l Limits, doc document.Document) map[string]any {
	usage := doc.Object(document.KeyUsage)
	saved := 0
	if jobs, ok := doc.Object(document.KeyJobSearch)["savedJobs"].([]any); ok {
		saved = len(jobs)
	}
	left := func(limit int, used float64) float64 {
		if limit == Unlimited {
			return Unlimited
		}
		return max(float64(limit)-used, 0)
	}
	counter := func(key string) float64 {
		n, _ := document.Number(usage[key])
		return n
	}
	return map[string]any{
		"searchesPerMonth": left(l.SearchesPerMonth, counter("searches")),
		"cvGenerations":    left(l.CVGenerations, counter("cvGenerations")),
		"coverLetters":     left(l.CoverLetters, counter("coverLetters")),
		"savedJobs":        left(l.SavedJobs, float64(saved)),
	}
}
