package demo

import (
	"context"
	"errors"

	"github.com/bionicotaku/lingo-txscope/dbconn"
	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/bionicotaku/lingo-txscope/txmanager"
)

// Event types enqueued in the outbox alongside user writes.
const (
	EventUserCreated = "user.created"
	EventUserRenamed = "user.renamed"
)

// ErrIntentional is returned by the operations that fail on purpose after
// writing.
var ErrIntentional = errors.New("demo: intentional failure")

// UserService exposes its transactional operations as tagged func fields.
// They are bound to the plain implementations here and wrapped once the
// interceptor bootstraps.
type UserService struct {
	repo   *UserRepository
	events *outbox.Repository
	mgr    txmanager.Manager

	CreateUser                func(ctx context.Context, name string) (*User, error)     `transactional:""`
	CreateUserThenFail        func(ctx context.Context, name string) error              `transactional:""`
	CreateNestedThenFail      func(ctx context.Context, outer, inner string) error      `transactional:""`
	CreateIndependentThenFail func(ctx context.Context, outer, inner string) error      `transactional:"name=demo.create_independent_then_fail"`
	CreateIndependent         func(ctx context.Context, name string) (*User, error)     `transactional:"propagation=requires_new"`
	CountUsers                func(ctx context.Context, name string) (int64, error)     `transactional:"readonly"`
	RenameUser                func(ctx context.Context, id, name string) (*User, error) `transactional:"isolation=serializable,timeout=5s"`
}

func NewUserService(repo *UserRepository, events *outbox.Repository, mgr txmanager.Manager) *UserService {
	s := &UserService{repo: repo, events: events, mgr: mgr}
	s.CreateUser = s.createUser
	s.CreateUserThenFail = s.createUserThenFail
	s.CreateNestedThenFail = s.createNestedThenFail
	s.CreateIndependentThenFail = s.createIndependentThenFail
	s.CreateIndependent = s.createUser
	s.CountUsers = s.repo.CountByName
	s.RenameUser = s.renameUser
	return s
}

// createUser writes the user and its user.created event on the same
// connection.
func (s *UserService) createUser(ctx context.Context, name string) (*User, error) {
	u := &User{Name: name}
	if err := s.repo.Insert(ctx, u); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, EventUserCreated, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *UserService) publish(ctx context.Context, eventType string, u *User) error {
	_, err := s.events.Enqueue(ctx, outbox.Message{
		AggregateType: "user",
		AggregateID:   u.ID,
		EventType:     eventType,
		Payload:       u,
	})
	return err
}

func (s *UserService) createUserThenFail(ctx context.Context, name string) error {
	if _, err := s.createUser(ctx, name); err != nil {
		return err
	}
	return ErrIntentional
}

// createNestedThenFail calls another tagged operation, which joins this
// transaction.
func (s *UserService) createNestedThenFail(ctx context.Context, outer, inner string) error {
	if _, err := s.createUser(ctx, outer); err != nil {
		return err
	}
	if _, err := s.CreateUser(ctx, inner); err != nil {
		return err
	}
	return ErrIntentional
}

// createIndependentThenFail commits inner in its own transaction before the
// surrounding one fails.
func (s *UserService) createIndependentThenFail(ctx context.Context, outer, inner string) error {
	if _, err := s.createUser(ctx, outer); err != nil {
		return err
	}
	independent := txmanager.TxOptions{Propagation: txmanager.PropagationRequiresNew}
	err := s.mgr.WithinTx(ctx, independent, func(ctx context.Context, _ dbconn.Querier) error {
		_, err := s.createUser(ctx, inner)
		return err
	})
	if err != nil {
		return err
	}
	return ErrIntentional
}

func (s *UserService) renameUser(ctx context.Context, id, name string) (*User, error) {
	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Name = name
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, EventUserRenamed, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUserUntagged writes outside any transaction and then fails. The write
// stays committed.
func (s *UserService) CreateUserUntagged(ctx context.Context, name string) error {
	return s.createUserThenFail(ctx, name)
}
