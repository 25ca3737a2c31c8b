package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/embedding"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	defaultSearchK = 10
	maxSearchK     = 100

	// Fallback relevance when vector search is unavailable: substring
	// hits are ranked well above everything else the text search
	// returned.
	fallbackSubstringScore = 0.8
	fallbackWeakScore      = 0.3
)

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	ID        uuid.UUID
	IP        string
	UserAgent string
}

// Service owns memory lifecycle: versioned writes, soft deletion,
// search, and the asynchronous embedding queue.
type Service struct {
	store    *store.Store
	bus      *event.Bus
	embedder embedding.Embedder
	jobs     chan embedJob
}

type embedJob struct {
	id      uuid.UUID
	version int
	text    string
}

// NewService builds the service. Run must be started for embeddings to
// be computed; until then rows simply stay without vectors.
func NewService(st *store.Store, bus *event.Bus, emb embedding.Embedder) *Service {
	return &Service{
		store:    st,
		bus:      bus,
		embedder: emb,
		jobs:     make(chan embedJob, 512),
	}
}

// CreateParams for a new memory.
type CreateParams struct {
	IdentityID uuid.UUID
	Text       string
	Type       string
	Metadata   map[string]any
	TTLDays    *int
}

// Create stores a memory and enqueues its embedding. The row is readable
// immediately; HasVector flips once the job lands.
func (s *Service) Create(ctx context.Context, sc store.Scope, actor Actor, p CreateParams) (*model.Memory, error) {
	m := &model.Memory{
		IdentityID: p.IdentityID,
		Text:       p.Text,
		Type:       p.Type,
		Metadata:   p.Metadata,
		TTLDays:    p.TTLDays,
	}
	ev := &model.IdentityEvent{EventType: event.MemoryCreated}

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateMemory(ctx, sc, m); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, s.audit(event.MemoryCreated, actor, m, nil, memState(m))); err != nil {
			return err
		}
		s.fillEvent(ev, actor, m)
		return s.bus.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ev)
	s.enqueue(m)
	return m, nil
}

// Get loads one memory.
func (s *Service) Get(ctx context.Context, sc store.Scope, id uuid.UUID, includeDeleted bool) (*model.Memory, error) {
	return s.store.MemoryByID(ctx, sc, id, includeDeleted)
}

// List pages an identity's memories, newest first.
func (s *Service) List(ctx context.Context, sc store.Scope, identityID uuid.UUID, memType *string, cursor string, limit int) ([]model.Memory, string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var cur store.Cursor
	if cursor != "" {
		var ok bool
		if cur, ok = store.DecodeCursor(cursor); !ok {
			return nil, "", apperr.New(apperr.ValidationFailed, "bad cursor")
		}
	}

	rows, err := s.store.Memories(ctx, sc, identityID, memType, cur, limit)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(rows) == limit {
		last := rows[len(rows)-1]
		next = store.EncodeCursor(store.Cursor{Ms: last.CreatedAt.UnixMilli(), UID: last.ID})
	}
	return rows, next, nil
}

// UpdatePatch is a partial memory update. A text change invalidates the
// stored vector and re-enqueues embedding.
type UpdatePatch struct {
	Text     *string
	Type     *string
	Metadata map[string]any
	TTLDays  *int
	ClearTTL bool
}

// Update applies a patch under a row lock, bumping the version.
func (s *Service) Update(ctx context.Context, sc store.Scope, actor Actor, id uuid.UUID, p UpdatePatch) (*model.Memory, error) {
	var m *model.Memory
	var textChanged bool
	ev := &model.IdentityEvent{EventType: event.MemoryUpdated}

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		m, err = tx.MemoryForUpdate(ctx, sc, id)
		if err != nil {
			return err
		}
		before := memState(m)

		if p.Text != nil && *p.Text != m.Text {
			m.Text = *p.Text
			m.Vector = nil
			m.HasVector = false
			textChanged = true
		}
		if p.Type != nil {
			m.Type = *p.Type
		}
		if p.Metadata != nil {
			m.Metadata = p.Metadata
		}
		if p.ClearTTL {
			m.TTLDays = nil
		} else if p.TTLDays != nil {
			m.TTLDays = p.TTLDays
		}

		if err := tx.SaveMemory(ctx, m); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, s.audit(event.MemoryUpdated, actor, m, before, memState(m))); err != nil {
			return err
		}
		s.fillEvent(ev, actor, m)
		return s.bus.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ev)
	if textChanged {
		s.enqueue(m)
	}
	return m, nil
}

// Delete removes a memory: soft by default, hard on request. Soft
// deletion keeps the row addressable for audit.
func (s *Service) Delete(ctx context.Context, sc store.Scope, actor Actor, id uuid.UUID, hard bool) error {
	evType := event.MemoryDeleted
	if hard {
		evType = event.MemoryHardDeleted
	}
	ev := &model.IdentityEvent{EventType: evType}

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		m, err := tx.MemoryByID(ctx, sc, id, hard)
		if err != nil {
			return err
		}
		if hard {
			err = tx.HardDeleteMemory(ctx, sc, id)
		} else {
			err = tx.SoftDeleteMemory(ctx, sc, id)
		}
		if err != nil {
			return err
		}
		rec := s.audit(evType, actor, m, memState(m), nil)
		rec.Meta = map[string]any{"hard": hard}
		if err := tx.InsertAudit(ctx, rec); err != nil {
			return err
		}
		s.fillEvent(ev, actor, m)
		return s.bus.Record(ctx, tx, ev)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ev)
	return nil
}

// SearchParams for semantic search.
type SearchParams struct {
	IdentityID uuid.UUID
	Query      string
	Type       *string
	K          int
	MinScore   float64
}

// Search ranks an identity's memories against the query. The primary
// path embeds the query and searches by cosine similarity; when the
// embedding backend is down it degrades to substring search with
// heuristic scores, and reports that via the fallback flag.
func (s *Service) Search(ctx context.Context, sc store.Scope, p SearchParams) ([]model.Memory, bool, error) {
	if p.K <= 0 {
		p.K = defaultSearchK
	}
	if p.K > maxSearchK {
		p.K = maxSearchK
	}

	vec, err := s.embedder.Embed(ctx, p.Query)
	if err == nil {
		hits, err := s.store.SearchMemoriesByVector(ctx, sc, p.IdentityID, p.Type, vec, p.K, p.MinScore)
		return hits, false, err
	}
	if apperr.KindOf(err) != apperr.EmbeddingFailed {
		return nil, false, err
	}
	log.Ctx(ctx).Warn().Err(err).Msg("embedding unavailable, falling back to text search")

	hits, err := s.store.SearchMemoriesByText(ctx, sc, p.IdentityID, p.Type, p.Query, p.K)
	if err != nil {
		return nil, true, err
	}
	for i := range hits {
		score := FallbackScore(p.Query, hits[i].Text)
		hits[i].Score = &score
	}
	return hits, true, nil
}

// FallbackScore is the heuristic relevance used when vector search is
// unavailable. Scores are coarse on purpose: callers only need a stable
// ordering signal, not calibrated similarity.
func FallbackScore(query, text string) float64 {
	if strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
		return fallbackSubstringScore
	}
	return fallbackWeakScore
}

// Run drains the embedding queue until ctx is canceled. One worker is
// enough; the backend dominates latency.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.embed(ctx, job)
		}
	}
}

func (s *Service) enqueue(m *model.Memory) {
	select {
	case s.jobs <- embedJob{id: m.ID, version: m.Version, text: m.Text}:
	default:
		// Queue full. The backfill job re-discovers vectorless rows.
		log.Warn().Str("memory_id", m.ID.String()).Msg("embed queue full, leaving row for backfill")
	}
}

func (s *Service) embed(ctx context.Context, job embedJob) {
	vec, err := s.embedder.Embed(ctx, job.text)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("memory_id", job.id.String()).Msg("embed failed, leaving row for backfill")
		return
	}
	// Version guard: if the text changed since enqueue the write is a
	// no-op and the newer version's job supplies the vector.
	if err := s.store.SetMemoryVector(ctx, job.id, job.version, vec); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("memory_id", job.id.String()).Msg("store vector failed")
	}
}

// Backfill embeds rows that missed their queue slot. Worker-job body.
func (s *Service) Backfill(ctx context.Context, batch int) (int, error) {
	rows, err := s.store.MemoriesMissingVector(ctx, batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range rows {
		m := &rows[i]
		vec, err := s.embedder.Embed(ctx, m.Text)
		if err != nil {
			// Backend down; the next run retries the rest.
			return done, err
		}
		if err := s.store.SetMemoryVector(ctx, m.ID, m.Version, vec); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// CleanupExpired hard-deletes memories past their TTL. Worker-job body.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredMemories(ctx)
}

func (s *Service) audit(eventType string, actor Actor, m *model.Memory, before, after map[string]any) *model.AuditLog {
	rt := "memory"
	rec := &model.AuditLog{
		EventType:    eventType,
		ResourceID:   &m.ID,
		ResourceType: &rt,
		BeforeState:  before,
		AfterState:   after,
		TenantID:     m.TenantID,
	}
	if actor.ID != uuid.Nil {
		id := actor.ID
		rec.ActorID = &id
	}
	if actor.IP != "" {
		rec.IP = &actor.IP
	}
	if actor.UserAgent != "" {
		rec.UserAgent = &actor.UserAgent
	}
	return rec
}

func (s *Service) fillEvent(ev *model.IdentityEvent, actor Actor, m *model.Memory) {
	ev.IdentityID = &m.IdentityID
	ev.TenantID = m.TenantID
	if actor.ID != uuid.Nil {
		id := actor.ID
		ev.ActorID = &id
	}
	ev.Payload = map[string]any{
		"memory_id": m.ID.String(),
		"type":      m.Type,
		"version":   m.Version,
	}
}

// memState is the audit snapshot of a memory. Text is included; vectors
// are not, they are derived data.
func memState(m *model.Memory) map[string]any {
	state := map[string]any{
		"text":     m.Text,
		"type":     m.Type,
		"metadata": m.Metadata,
		"version":  m.Version,
	}
	if m.TTLDays != nil {
		state["ttl_days"] = *m.TTLDays
	}
	return state
}
