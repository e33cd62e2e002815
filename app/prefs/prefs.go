// Package prefs implements the preferences persistence workflow. Saves for a user are serialized by the key queue
// and go through load, normalize, merge and change detection. Only a real change is enriched with plan data,
// stamped with lastUsed and written. Loads bypass the queue and never fail, falling back to defaults.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/sync/singleflight"

	"github.com/umputun/prefkeeper/app/document"
	"github.com/umputun/prefkeeper/app/journal"
	"github.com/umputun/prefkeeper/app/keyqueue"
	"github.com/umputun/prefkeeper/app/store"
)

// Principal is the identity owning a document
type Principal struct {
	ID    string `json:"id"`
	Plan  string `json:"plan"` // subscription tier
	Email string `json:"email,omitempty"`
}

// PlanEnricher computes plan-owned fields of a document
type PlanEnricher interface {
	// Enrich returns a copy of doc with plan-derived fields set for the principal
	Enrich(ctx context.Context, doc document.Document, p Principal) (document.Document, error)
	// Strip returns a copy of payload without the fields owned by the plan
	Strip(payload document.Document) document.Document
}

// Store loads and saves documents by key
type Store interface {
	Load(key string) (document.Document, error)
	Save(key string, doc document.Document) error
}

// Journal records save outcomes
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Alerter reports failed saves
type Alerter interface {
	Alert(ctx context.Context, subject, text string) error
}

// Outcome of a save
type Outcome int

// save outcomes
const (
	OutcomeFailed   Outcome = iota // nothing written, error returned
	OutcomeWritten                 // document changed and written
	OutcomeNoChange                // merged document equals the stored one, nothing written
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWritten:
		return "written"
	case OutcomeNoChange:
		return "no-change"
	default:
		return "failed"
	}
}

// SaveResult is the outcome of a save with the resulting document.
// For OutcomeNoChange the document is the stored one, normalized.
type SaveResult struct {
	Outcome  Outcome
	Document document.Document
}

// Params for New
type Params struct {
	Queue    *keyqueue.Queue // shared by all writers of the store
	Store    Store
	Enricher PlanEnricher
	Journal  Journal          // optional
	Alerter  Alerter          // optional
	Now      func() time.Time // optional, time.Now by default
}

// Service is the preferences orchestrator
type Service struct {
	Params
	loads singleflight.Group
}

// New makes Service, Queue, Store and Enricher are required
func New(p Params) (*Service, error) {
	if p.Queue == nil {
		return nil, errors.New("prefs service requires a key queue")
	}
	if p.Store == nil {
		return nil, errors.New("prefs service requires a store")
	}
	if p.Enricher == nil {
		return nil, errors.New("prefs service requires a plan enricher")
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{Params: p}, nil
}

// Save merges payload into the principal's document and writes it if anything changed.
// The key is validated before the queue is entered, so an invalid key neither waits nor writes.
// Every outcome of an admitted save is recorded to the journal.
func (s *Service) Save(ctx context.Context, p Principal, payload document.Document) (SaveResult, error) {
	key, err := store.SanitizeKey(p.ID)
	if err != nil {
		return SaveResult{}, err
	}

	res, err := keyqueue.Run(s.Queue, key, func() (SaveResult, error) {
		return s.save(ctx, key, p, payload)
	})
	if err != nil {
		res = SaveResult{Outcome: OutcomeFailed}
		s.record(ctx, key, res, err)
		if !errors.Is(err, keyqueue.ErrQueueFull) {
			s.alert(ctx, key, err)
		}
		return res, fmt.Errorf("can't save preferences for %s: %w", key, err)
	}

	s.record(ctx, key, res, nil)
	return res, nil
}

// save runs with the key owned by the caller
func (s *Service) save(ctx context.Context, key string, p Principal, payload document.Document) (SaveResult, error) {
	stored, err := s.Store.Load(key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return SaveResult{}, fmt.Errorf("can't load current document: %w", err)
	}
	current := document.Normalize(stored)

	incoming := s.Enricher.Strip(payload.Clone())
	delete(incoming, document.KeyLastUsed) // server owned

	// payload values of a wrong shape in canonical containers fall back to defaults, same as on load
	merged := document.Normalize(document.Merge(current, incoming))
	if !document.HasChanged(current, merged) {
		log.Printf("[DEBUG] no changes for %s, skip write", key)
		return SaveResult{Outcome: OutcomeNoChange, Document: current}, nil
	}

	enriched, err := s.Enricher.Enrich(ctx, merged, p)
	if err != nil {
		return SaveResult{}, fmt.Errorf("can't enrich document: %w", err)
	}
	enriched[document.KeyLastUsed] = float64(s.nextLastUsed(current.LastUsed()))

	if err := s.Store.Save(key, enriched); err != nil {
		return SaveResult{}, fmt.Errorf("can't write document: %w", err)
	}
	log.Printf("[DEBUG] saved %s, diff: %s", key, document.Diff(current, enriched))
	return SaveResult{Outcome: OutcomeWritten, Document: enriched}, nil
}

// nextLastUsed returns the current time in ms, bumped past prev so lastUsed always grows for a key
func (s *Service) nextLastUsed(prev int64) int64 {
	now := s.Now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}

// Load returns the principal's document, normalized and enriched. It never fails: a missing or unreadable
// document is served as defaults and a failed enrichment as the normalized document.
// Concurrent loads of the same principal share a single read.
func (s *Service) Load(ctx context.Context, p Principal) document.Document {
	key, err := store.SanitizeKey(p.ID)
	if err != nil {
		log.Printf("[WARN] load with %v, serving defaults", err)
		return s.enrich(ctx, document.Defaults(), p)
	}

	v, _, _ := s.loads.Do(key+"\x00"+p.Plan, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), key, p), nil
	})
	return v.(document.Document).Clone()
}

func (s *Service) load(ctx context.Context, key string, p Principal) document.Document {
	stored, err := s.Store.Load(key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[WARN] can't load document for %s, serving defaults: %v", key, err)
		stored = nil
	}
	return s.enrich(ctx, document.Normalize(stored), p)
}

func (s *Service) enrich(ctx context.Context, doc document.Document, p Principal) document.Document {
	res, err := s.Enricher.Enrich(ctx, doc, p)
	if err != nil {
		log.Printf("[WARN] can't enrich document for %q, serving as is: %v", p.ID, err)
		return doc
	}
	return res
}

func (s *Service) record(ctx context.Context, key string, res SaveResult, saveErr error) {
	if s.Journal == nil {
		return
	}
	e := journal.Entry{UserID: key, Outcome: res.Outcome.String(), CreatedAt: s.Now()}
	if saveErr != nil {
		e.Error = saveErr.Error()
	}
	if res.Outcome == OutcomeWritten {
		e.LastUsed = res.Document.LastUsed()
		if data, err := json.Marshal(res.Document); err == nil {
			e.Size = len(data)
		}
	}
	if err := s.Journal.Record(ctx, e); err != nil {
		log.Printf("[WARN] can't record save of %s, %v", key, err)
	}
}

func (s *Service) alert(ctx context.Context, key string, saveErr error) {
	if s.Alerter == nil {
		return
	}
	subj := fmt.Sprintf("preferences save failed for %s", key)
	if err := s.Alerter.Alert(ctx, subj, saveErr.Error()); err != nil {
		log.Printf("[WARN] can't send alert for %s, %v", key, err)
	}
}
