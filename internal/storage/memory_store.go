package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/scm-mirror/internal/models"
)

type entityKey struct {
	scopeID int64
	id      int64
}

// table is a committed map plus the staged writes of one transaction
type table[T any] struct {
	rows    map[entityKey]*T
	staged  map[entityKey]*T
	deleted map[entityKey]bool
	clone   func(*T) *T
}

func newTable[T any](clone func(*T) *T) *table[T] {
	return &table[T]{rows: map[entityKey]*T{}, clone: clone}
}

func (t *table[T]) begin() {
	t.staged = map[entityKey]*T{}
	t.deleted = map[entityKey]bool{}
}

func (t *table[T]) commit() {
	for k := range t.deleted {
		delete(t.rows, k)
	}
	for k, v := range t.staged {
		t.rows[k] = v
	}
	t.staged, t.deleted = nil, nil
}

func (t *table[T]) rollback() {
	t.staged, t.deleted = nil, nil
}

func (t *table[T]) get(k entityKey) *T {
	if t.deleted[k] {
		return nil
	}
	if v, ok := t.staged[k]; ok {
		return t.clone(v)
	}
	if v, ok := t.rows[k]; ok {
		return t.clone(v)
	}
	return nil
}

func (t *table[T]) put(k entityKey, v *T) {
	delete(t.deleted, k)
	t.staged[k] = t.clone(v)
}

func (t *table[T]) remove(k entityKey) *T {
	existing := t.get(k)
	if existing == nil {
		return nil
	}
	delete(t.staged, k)
	t.deleted[k] = true
	return existing
}

// find scans visible rows in key order
func (t *table[T]) find(match func(*T) bool) *T {
	keys := make([]entityKey, 0, len(t.rows)+len(t.staged))
	seen := map[entityKey]bool{}
	for k := range t.staged {
		keys, seen[k] = append(keys, k), true
	}
	for k := range t.rows {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].scopeID != keys[j].scopeID {
			return keys[i].scopeID < keys[j].scopeID
		}
		return keys[i].id < keys[j].id
	})
	for _, k := range keys {
		if v := t.get(k); v != nil && match(v) {
			return v
		}
	}
	return nil
}

func (t *table[T]) all(scopeID int64) []*T {
	var out []*T
	for k, v := range t.rows {
		if k.scopeID == scopeID {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// MemoryStore is an in-process Store and tenant provider used by tests and
// local runs. Transactions are serialized.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	scopes       map[int64]*models.Scope
	tokens       map[int64]string
	targets      map[int64]*models.SyncTarget
	stagedTarget map[int64]*models.SyncTarget
	nextScopeID  int64
	nextTargetID int64

	issues       *table[models.Issue]
	pullRequests *table[models.PullRequest]
	comments     *table[models.Comment]
	reviews      *table[models.Review]

	commits int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scopes:  map[int64]*models.Scope{},
		tokens:  map[int64]string{},
		targets: map[int64]*models.SyncTarget{},
		issues: newTable(func(v *models.Issue) *models.Issue {
			c := *v
			c.Labels = append([]string(nil), v.Labels...)
			return &c
		}),
		pullRequests: newTable(func(v *models.PullRequest) *models.PullRequest {
			c := *v
			c.Labels = append([]string(nil), v.Labels...)
			return &c
		}),
		comments: newTable(func(v *models.Comment) *models.Comment {
			c := *v
			return &c
		}),
		reviews: newTable(func(v *models.Review) *models.Review {
			c := *v
			return &c
		}),
	}
}

// WithinTx implements Store
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	s.issues.begin()
	s.pullRequests.begin()
	s.comments.begin()
	s.reviews.begin()
	s.stagedTarget = map[int64]*models.SyncTarget{}
	s.mu.Unlock()

	err := fn(ctx, &memoryTx{store: s})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.issues.rollback()
		s.pullRequests.rollback()
		s.comments.rollback()
		s.reviews.rollback()
		s.stagedTarget = nil
		return err
	}
	s.issues.commit()
	s.pullRequests.commit()
	s.comments.commit()
	s.reviews.commit()
	for id, target := range s.stagedTarget {
		if current, ok := s.targets[id]; ok {
			keepIdentity(target, current)
			s.targets[id] = target
		}
	}
	s.stagedTarget = nil
	s.commits++
	return nil
}

// Commits returns how many transactions committed
func (s *MemoryStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

type memoryTx struct {
	store *MemoryStore
}

func (tx *memoryTx) lock() func() {
	tx.store.mu.Lock()
	return tx.store.mu.Unlock
}

func (tx *memoryTx) GetIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error) {
	defer tx.lock()()
	return tx.store.issues.get(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) FindIssueByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.Issue, error) {
	defer tx.lock()()
	return tx.store.issues.find(func(i *models.Issue) bool {
		return i.ScopeID == scopeID && strings.EqualFold(i.Repository, repository) && i.Number == number
	}), nil
}

func (tx *memoryTx) SaveIssue(ctx context.Context, issue *models.Issue) error {
	defer tx.lock()()
	if clash := tx.store.issues.find(func(i *models.Issue) bool {
		return i.ScopeID == issue.ScopeID && i.ID != issue.ID &&
			strings.EqualFold(i.Repository, issue.Repository) && i.Number == issue.Number
	}); clash != nil {
		return fmt.Errorf("failed to save issue: number %d already used by id %d", issue.Number, clash.ID)
	}
	tx.store.issues.put(entityKey{issue.ScopeID, issue.ID}, issue)
	return nil
}

func (tx *memoryTx) CreateIssueStub(ctx context.Context, stub *models.Issue) (bool, error) {
	defer tx.lock()()
	if tx.store.issues.get(entityKey{stub.ScopeID, stub.ID}) != nil {
		return false, nil
	}
	if tx.store.issues.find(func(i *models.Issue) bool {
		return i.ScopeID == stub.ScopeID && strings.EqualFold(i.Repository, stub.Repository) && i.Number == stub.Number
	}) != nil {
		return false, nil
	}
	tx.store.issues.put(entityKey{stub.ScopeID, stub.ID}, stub)
	return true, nil
}

func (tx *memoryTx) DeleteIssue(ctx context.Context, scopeID, id int64) (*models.Issue, error) {
	defer tx.lock()()
	return tx.store.issues.remove(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) GetPullRequest(ctx context.Context, scopeID, id int64) (*models.PullRequest, error) {
	defer tx.lock()()
	return tx.store.pullRequests.get(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) FindPullRequestByNumber(ctx context.Context, scopeID int64, repository string, number int) (*models.PullRequest, error) {
	defer tx.lock()()
	return tx.store.pullRequests.find(func(p *models.PullRequest) bool {
		return p.ScopeID == scopeID && strings.EqualFold(p.Repository, repository) && p.Number == number
	}), nil
}

func (tx *memoryTx) SavePullRequest(ctx context.Context, pr *models.PullRequest) error {
	defer tx.lock()()
	tx.store.pullRequests.put(entityKey{pr.ScopeID, pr.ID}, pr)
	return nil
}

func (tx *memoryTx) CreatePullRequestStub(ctx context.Context, stub *models.PullRequest) (bool, error) {
	defer tx.lock()()
	if tx.store.pullRequests.get(entityKey{stub.ScopeID, stub.ID}) != nil {
		return false, nil
	}
	if tx.store.pullRequests.find(func(p *models.PullRequest) bool {
		return p.ScopeID == stub.ScopeID && strings.EqualFold(p.Repository, stub.Repository) && p.Number == stub.Number
	}) != nil {
		return false, nil
	}
	tx.store.pullRequests.put(entityKey{stub.ScopeID, stub.ID}, stub)
	return true, nil
}

func (tx *memoryTx) DeletePullRequest(ctx context.Context, scopeID, id int64) (*models.PullRequest, error) {
	defer tx.lock()()
	return tx.store.pullRequests.remove(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) GetComment(ctx context.Context, scopeID, id int64) (*models.Comment, error) {
	defer tx.lock()()
	return tx.store.comments.get(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) SaveComment(ctx context.Context, comment *models.Comment) error {
	defer tx.lock()()
	tx.store.comments.put(entityKey{comment.ScopeID, comment.ID}, comment)
	return nil
}

func (tx *memoryTx) DeleteComment(ctx context.Context, scopeID, id int64) (*models.Comment, error) {
	defer tx.lock()()
	return tx.store.comments.remove(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) GetReview(ctx context.Context, scopeID, id int64) (*models.Review, error) {
	defer tx.lock()()
	return tx.store.reviews.get(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) SaveReview(ctx context.Context, review *models.Review) error {
	defer tx.lock()()
	tx.store.reviews.put(entityKey{review.ScopeID, review.ID}, review)
	return nil
}

func (tx *memoryTx) DeleteReview(ctx context.Context, scopeID, id int64) (*models.Review, error) {
	defer tx.lock()()
	return tx.store.reviews.remove(entityKey{scopeID, id}), nil
}

func (tx *memoryTx) SaveSyncTarget(ctx context.Context, target *models.SyncTarget) error {
	defer tx.lock()()
	if err := validateBackfill(target); err != nil {
		return err
	}
	if _, ok := tx.store.targets[target.ID]; !ok {
		return fmt.Errorf("failed to save sync target %d: %w", target.ID, ErrNotFound)
	}
	tx.store.stagedTarget[target.ID] = target.Clone()
	return nil
}

// validateBackfill mirrors the checkpoint bounds enforced by the Postgres schema
func validateBackfill(target *models.SyncTarget) error {
	for kind, state := range map[string]models.BackfillState{
		"issue":        target.IssueBackfill,
		"pull request": target.PullRequestBackfill,
	} {
		if state.Checkpoint == nil {
			continue
		}
		if state.HighWaterMark == nil || *state.Checkpoint < 0 || *state.Checkpoint > *state.HighWaterMark {
			return fmt.Errorf("invalid %s backfill checkpoint for target %d", kind, target.ID)
		}
	}
	return nil
}

// AddScope registers a scope and its token, assigning an id when zero
func (s *MemoryStore) AddScope(scope *models.Scope, token string) *models.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope.ID == 0 {
		s.nextScopeID++
		scope.ID = s.nextScopeID
	} else if scope.ID > s.nextScopeID {
		s.nextScopeID = scope.ID
	}
	copied := *scope
	s.scopes[scope.ID] = &copied
	s.tokens[scope.ID] = token
	return scope
}

// PutSyncTarget stores a fully populated target, assigning an id when zero
func (s *MemoryStore) PutSyncTarget(target *models.SyncTarget) *models.SyncTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.ID == 0 {
		s.nextTargetID++
		target.ID = s.nextTargetID
	} else if target.ID > s.nextTargetID {
		s.nextTargetID = target.ID
	}
	s.targets[target.ID] = target.Clone()
	return target
}

// ListEligibleScopes implements tenant.SyncTargetProvider
func (s *MemoryStore) ListEligibleScopes(ctx context.Context) ([]*models.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Scope
	for _, scope := range s.scopes {
		if scope.Eligible() {
			copied := *scope
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSyncTargets implements tenant.SyncTargetProvider
func (s *MemoryStore) ListSyncTargets(ctx context.Context, scopeID int64) ([]*models.SyncTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SyncTarget
	for _, target := range s.targets {
		if target.ScopeID == scopeID {
			out = append(out, target.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSyncTarget implements tenant.SyncTargetProvider
func (s *MemoryStore) GetSyncTarget(ctx context.Context, targetID int64) (*models.SyncTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("sync target %d: %w", targetID, ErrNotFound)
	}
	return target.Clone(), nil
}

// FindSyncTarget implements tenant.SyncTargetProvider
func (s *MemoryStore) FindSyncTarget(ctx context.Context, scopeID int64, owner, name string) (*models.SyncTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, target := range s.targets {
		if target.ScopeID == scopeID && strings.EqualFold(target.Owner, owner) && strings.EqualFold(target.Name, name) {
			return target.Clone(), nil
		}
	}
	return nil, nil
}

// SaveSyncTarget implements tenant.SyncTargetProvider
func (s *MemoryStore) SaveSyncTarget(ctx context.Context, target *models.SyncTarget) error {
	if err := validateBackfill(target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.targets[target.ID]
	if !ok {
		return fmt.Errorf("failed to save sync target %d: %w", target.ID, ErrNotFound)
	}
	next := target.Clone()
	keepIdentity(next, current)
	s.targets[target.ID] = next
	return nil
}

// RenameSyncTarget implements tenant.SyncTargetProvider
func (s *MemoryStore) RenameSyncTarget(ctx context.Context, targetID int64, owner, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.targets[targetID]
	if !ok {
		return fmt.Errorf("failed to rename sync target %d: %w", targetID, ErrNotFound)
	}
	next := current.Clone()
	next.Owner, next.Name = owner, name
	s.targets[targetID] = next
	return nil
}

// keepIdentity matches the Postgres progress update, which never writes owner or name
func keepIdentity(next, current *models.SyncTarget) {
	next.ScopeID, next.Owner, next.Name = current.ScopeID, current.Owner, current.Name
}

// AddSyncTarget implements tenant.SyncTargetProvider
func (s *MemoryStore) AddSyncTarget(ctx context.Context, scopeID int64, owner, name string) (*models.SyncTarget, error) {
	if existing, _ := s.FindSyncTarget(ctx, scopeID, owner, name); existing != nil {
		return existing, nil
	}
	return s.PutSyncTarget(&models.SyncTarget{ScopeID: scopeID, Owner: owner, Name: name}), nil
}

// RemoveSyncTarget implements tenant.SyncTargetProvider
func (s *MemoryStore) RemoveSyncTarget(ctx context.Context, scopeID int64, owner, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, target := range s.targets {
		if target.ScopeID == scopeID && strings.EqualFold(target.Owner, owner) && strings.EqualFold(target.Name, name) {
			delete(s.targets, id)
			return true, nil
		}
	}
	return false, nil
}

// Credentials implements tenant.TokenProvider
func (s *MemoryStore) Credentials(ctx context.Context, scopeID int64) (*models.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[scopeID]
	if !ok {
		return nil, fmt.Errorf("scope %d: %w", scopeID, ErrNotFound)
	}
	return &models.Credentials{
		ScopeID:        scope.ID,
		AuthMode:       scope.AuthMode,
		Token:          s.tokens[scopeID],
		InstallationID: scope.InstallationID,
		ServerURL:      scope.ServerURL,
	}, nil
}

// ScopeForInstallation implements tenant.TokenProvider
func (s *MemoryStore) ScopeForInstallation(ctx context.Context, installationID int64) (*models.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range s.scopes {
		if scope.InstallationID != nil && *scope.InstallationID == installationID {
			copied := *scope
			return &copied, nil
		}
	}
	return nil, nil
}

// SetScopeState implements tenant.TokenProvider
func (s *MemoryStore) SetScopeState(ctx context.Context, scopeID int64, active, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[scopeID]
	if !ok {
		return fmt.Errorf("scope %d: %w", scopeID, ErrNotFound)
	}
	scope.Active = active
	scope.Suspended = suspended
	return nil
}

// Scope returns a copy of a stored scope
func (s *MemoryStore) Scope(scopeID int64) *models.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.scopes[scopeID]
	if !ok {
		return nil
	}
	copied := *scope
	return &copied
}

// Issues returns the committed issues of a scope ordered by number
func (s *MemoryStore) Issues(scopeID int64) []*models.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.issues.all(scopeID)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// PullRequests returns the committed pull requests of a scope ordered by number
func (s *MemoryStore) PullRequests(scopeID int64) []*models.PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pullRequests.all(scopeID)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Comments returns the committed comments of a scope ordered by id
func (s *MemoryStore) Comments(scopeID int64) []*models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.comments.all(scopeID)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reviews returns the committed reviews of a scope ordered by id
func (s *MemoryStore) Reviews(scopeID int64) []*models.Review {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.reviews.all(scopeID)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
