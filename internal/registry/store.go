package registry

import (
	"context"
	"sync"
	"time"
)

// Store is the shared registry storage. Inserts resolve concurrent
// registrations of the same key through uniqueness: exactly one caller wins
// and every loser gets a *DuplicateError carrying the stored token.
type Store interface {
	InsertProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)
	DeleteProject(ctx context.Context, id string) error
	SetProjectVerified(ctx context.Context, id string) error

	// InsertInvite stores the invite and opens its member chain.
	InsertInvite(ctx context.Context, inv Invite) error
	GetInvite(ctx context.Context, projectID, inviteID string) (Invite, error)
	DeleteInvite(ctx context.Context, projectID, inviteID string) error

	GetMember(ctx context.Context, projectID, inviteID string) (Member, error)
	AttachMember(ctx context.Context, projectID, inviteID string, e LogEntry) error
	AttachRevocation(ctx context.Context, projectID, inviteID string, e LogEntry) error
	GetLogEntry(ctx context.Context, id string) (LogEntry, error)

	Ping(ctx context.Context) error
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	projects map[string]Project
	invites  map[string]map[string]Invite // project -> invite id -> invite
	members  map[string]Member            // memberKey -> chain
	log      map[string]LogEntry
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		projects: make(map[string]Project),
		invites:  make(map[string]map[string]Invite),
		members:  make(map[string]Member),
		log:      make(map[string]LogEntry),
	}
}

func memberKey(projectID, inviteID string) string { return projectID + "/" + inviteID }

func (s *InMemory) InsertProject(ctx context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.projects[p.ID]; ok {
		return &DuplicateError{Token: existing.Token}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.projects[p.ID] = p
	return nil
}

func (s *InMemory) GetProject(ctx context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrStoreNotFound
	}
	return p, nil
}

func (s *InMemory) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrStoreNotFound
	}
	for inviteID := range s.invites[id] {
		s.dropMember(memberKey(id, inviteID))
	}
	delete(s.invites, id)
	delete(s.projects, id)
	return nil
}

func (s *InMemory) SetProjectVerified(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrStoreNotFound
	}
	p.Verified = true
	s.projects[id] = p
	return nil
}

func (s *InMemory) InsertInvite(ctx context.Context, inv Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[inv.ProjectID]; !ok {
		return ErrStoreNotFound
	}
	byID := s.invites[inv.ProjectID]
	if byID == nil {
		byID = make(map[string]Invite)
		s.invites[inv.ProjectID] = byID
	}
	if existing, ok := byID[inv.ID]; ok {
		return &DuplicateError{Token: existing.Token}
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	byID[inv.ID] = inv
	s.ref(LogEntry{ID: inv.ID, Token: inv.Token})
	s.members[memberKey(inv.ProjectID, inv.ID)] = Member{ProjectID: inv.ProjectID, InviteID: inv.ID}
	return nil
}

func (s *InMemory) GetInvite(ctx context.Context, projectID, inviteID string) (Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[projectID][inviteID]
	if !ok {
		return Invite{}, ErrStoreNotFound
	}
	return inv, nil
}

func (s *InMemory) DeleteInvite(ctx context.Context, projectID, inviteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[projectID][inviteID]; !ok {
		return ErrStoreNotFound
	}
	s.dropMember(memberKey(projectID, inviteID))
	delete(s.invites[projectID], inviteID)
	return nil
}

func (s *InMemory) GetMember(ctx context.Context, projectID, inviteID string) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey(projectID, inviteID)]
	if !ok {
		return Member{}, ErrStoreNotFound
	}
	return m, nil
}

func (s *InMemory) AttachMember(ctx context.Context, projectID, inviteID string, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(projectID, inviteID)
	m, ok := s.members[key]
	if !ok {
		return ErrStoreNotFound
	}
	if m.MemberID != "" {
		return &DuplicateError{Token: s.log[m.MemberID].Token}
	}
	if m.RevokeID != "" {
		return ErrChainRevoked
	}
	s.ref(e)
	m.MemberID = e.ID
	s.members[key] = m
	return nil
}

func (s *InMemory) AttachRevocation(ctx context.Context, projectID, inviteID string, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(projectID, inviteID)
	m, ok := s.members[key]
	if !ok {
		return ErrStoreNotFound
	}
	if m.RevokeID != "" {
		return &DuplicateError{Token: s.log[m.RevokeID].Token}
	}
	s.ref(e)
	m.RevokeID = e.ID
	s.members[key] = m
	return nil
}

func (s *InMemory) GetLogEntry(ctx context.Context, id string) (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.log[id]
	if !ok {
		return LogEntry{}, ErrStoreNotFound
	}
	return e, nil
}

func (s *InMemory) Ping(ctx context.Context) error { return ctx.Err() }

// ref adds a reference to e, creating the entry on first use. Callers hold mu.
func (s *InMemory) ref(e LogEntry) {
	cur, ok := s.log[e.ID]
	if !ok {
		cur = LogEntry{ID: e.ID, Token: e.Token}
	}
	cur.Refs++
	s.log[e.ID] = cur
}

// unref drops one reference and removes the entry when none remain.
func (s *InMemory) unref(id string) {
	if id == "" {
		return
	}
	cur, ok := s.log[id]
	if !ok {
		return
	}
	cur.Refs--
	if cur.Refs <= 0 {
		delete(s.log, id)
		return
	}
	s.log[id] = cur
}

func (s *InMemory) dropMember(key string) {
	m, ok := s.members[key]
	if !ok {
		return
	}
	s.unref(m.InviteID)
	s.unref(m.MemberID)
	s.unref(m.RevokeID)
	delete(s.members, key)
}
