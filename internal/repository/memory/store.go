// Package memory is an in-process implementation of the repository
// interfaces. It backs STORAGE_DRIVER=memory and the hub, api and client
// tests. It keeps the same contracts as the Postgres stores: ids and
// timestamps are assigned at Create, pages are ordered sent_at DESC, id DESC,
// lookups return nil, nil when absent.
package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/models"
)

type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[uuid.UUID]models.UserSummary
	communities map[uuid.UUID]map[uuid.UUID]bool
	channels    map[uuid.UUID]*models.Channel
	pairs       map[string]uuid.UUID

	nextID    int64
	messages  map[int64]*models.Message
	byChannel map[uuid.UUID][]int64
	clientKey map[string]int64
	reactions map[int64][]reaction

	// failNext makes the next write return this error. Tests use it to
	// simulate a storage outage.
	failNext error
}

type reaction struct {
	emoji string
	user  uuid.UUID
}

type Option func(*Store)

// WithClock replaces time.Now. Paging tests use it to produce equal
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		users:       make(map[uuid.UUID]models.UserSummary),
		communities: make(map[uuid.UUID]map[uuid.UUID]bool),
		channels:    make(map[uuid.UUID]*models.Channel),
		pairs:       make(map[string]uuid.UUID),
		messages:    make(map[int64]*models.Message),
		byChannel:   make(map[uuid.UUID][]int64),
		clientKey:   make(map[string]int64),
		reactions:   make(map[int64][]reaction),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Channels, Communities, Users and Messages expose the store through the
// repository interfaces. They share one lock and one data set.
func (s *Store) Channels() *ChannelStore       { return &ChannelStore{s} }
func (s *Store) Communities() *CommunityStore { return &CommunityStore{s} }
func (s *Store) Users() *UserStore             { return &UserStore{s} }
func (s *Store) Messages() *MessageStore       { return &MessageStore{s} }

// FailNextWrite makes the next mutating call fail with err.
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// Seeding helpers. Users, communities and community channels are owned by
// other services; dev mode and tests create them here directly.

func (s *Store) PutUser(u models.UserSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) AddCommunityMember(communityID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.communities[communityID]
	if members == nil {
		members = make(map[uuid.UUID]bool)
		s.communities[communityID] = members
	}
	members[userID] = true
}

// CreateCommunityChannel adds a community channel. For a private channel,
// allowed is its participant allow-list.
func (s *Store) CreateCommunityChannel(communityID uuid.UUID, name string, isPrivate bool, allowed ...uuid.UUID) *models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := communityID
	ch := &models.Channel{
		ID:           uuid.New(),
		Type:         models.ChannelTypeCommunity,
		Name:         name,
		IsPrivate:    isPrivate,
		CommunityID:  &cid,
		Participants: append([]uuid.UUID{}, allowed...),
		CreatedAt:    s.now().UTC(),
	}
	s.channels[ch.ID] = ch
	return cloneChannel(ch)
}

func cloneChannel(ch *models.Channel) *models.Channel {
	out := *ch
	out.Participants = append([]uuid.UUID{}, ch.Participants...)
	if ch.CommunityID != nil {
		cid := *ch.CommunityID
		out.CommunityID = &cid
	}
	return &out
}

func cloneMessage(m *models.Message) models.Message {
	out := *m
	out.AttachmentIDs = append([]uuid.UUID{}, m.AttachmentIDs...)
	out.Reactions = []models.ReactionGroup{}
	return out
}
