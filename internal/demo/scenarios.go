package demo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bionicotaku/lingo-txscope/outbox"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

const concurrentWriters = 5

// Result is the outcome of one scenario. Skipped carries the reason a
// scenario did not run on the current backend.
type Result struct {
	Name    string
	Err     error
	Skipped string
}

// Passed reports whether the scenario ran and held.
func (r Result) Passed() bool { return r.Err == nil && r.Skipped == "" }

type scenario struct {
	name string
	// skip returns a reason when the backend cannot run the scenario.
	skip func(system string) string
	run  func(ctx context.Context) error
}

// Runner executes the end-to-end scenarios against a bootstrapped service.
// Every entity name carries suffix so runs against a persistent database do
// not see each other's rows.
type Runner struct {
	svc    *UserService
	repo   *UserRepository
	events *outbox.Repository
	system string
	suffix string
	helper *log.Helper
}

func NewRunner(svc *UserService, repo *UserRepository, events *outbox.Repository, system, suffix string, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	return &Runner{svc: svc, repo: repo, events: events, system: system, suffix: suffix, helper: log.NewHelper(logger)}
}

// Run executes every scenario in order and reports each outcome.
func (r *Runner) Run(ctx context.Context) []Result {
	scenarios := r.scenarios()
	results := make([]Result, 0, len(scenarios))
	for _, sc := range scenarios {
		res := Result{Name: sc.name}
		if sc.skip != nil {
			res.Skipped = sc.skip(r.system)
		}
		if res.Skipped == "" {
			res.Err = sc.run(ctx)
		}
		switch {
		case res.Skipped != "":
			r.helper.WithContext(ctx).Infof("demo: scenario skipped name=%s reason=%s", res.Name, res.Skipped)
		case res.Err != nil:
			r.helper.WithContext(ctx).Errorf("demo: scenario failed name=%s err=%v", res.Name, res.Err)
		default:
			r.helper.WithContext(ctx).Infof("demo: scenario passed name=%s", res.Name)
		}
		results = append(results, res)
	}
	return results
}

func (r *Runner) scenarios() []scenario {
	return []scenario{
		{name: "create_alice", run: r.createAlice},
		{name: "create_bob_then_fail", run: r.createBobThenFail},
		{name: "nested_join_rolls_back_together", run: r.nestedJoin},
		{name: "independent_block_survives_outer_rollback", skip: singleWriter, run: r.independentBlock},
		{name: "concurrent_independent_transactions", run: r.concurrent},
		{name: "untagged_write_persists", run: r.untagged},
		{name: "tagged_call_is_transparent", run: r.transparency},
		{name: "outbox_event_follows_transaction", run: r.outboxFollows},
	}
}

// singleWriter skips scenarios that hold two write transactions at once,
// which SQLite serializes on its database lock.
func singleWriter(system string) string {
	if system == "sqlite" {
		return "sqlite allows one writer, a nested independent transaction would wait on its own outer transaction"
	}
	return ""
}

func (r *Runner) name(base string) string { return base + r.suffix }

func (r *Runner) expectCount(ctx context.Context, base string, want int64) error {
	got, err := r.repo.CountByName(ctx, r.name(base))
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("demo: %s rows=%d want %d", r.name(base), got, want)
	}
	return nil
}

func expectIntentional(err error) error {
	if !errors.Is(err, ErrIntentional) {
		return fmt.Errorf("demo: expected intentional failure, got %v", err)
	}
	return nil
}

func (r *Runner) createAlice(ctx context.Context) error {
	u, err := r.svc.CreateUser(ctx, r.name("Alice"))
	if err != nil {
		return err
	}
	if u.ID == "" {
		return errors.New("demo: created user has no id")
	}
	return r.expectCount(ctx, "Alice", 1)
}

func (r *Runner) createBobThenFail(ctx context.Context) error {
	if err := expectIntentional(r.svc.CreateUserThenFail(ctx, r.name("Bob"))); err != nil {
		return err
	}
	return r.expectCount(ctx, "Bob", 0)
}

func (r *Runner) nestedJoin(ctx context.Context) error {
	if err := expectIntentional(r.svc.CreateNestedThenFail(ctx, r.name("OuterTrue"), r.name("InnerTrue"))); err != nil {
		return err
	}
	if err := r.expectCount(ctx, "OuterTrue", 0); err != nil {
		return err
	}
	return r.expectCount(ctx, "InnerTrue", 0)
}

func (r *Runner) independentBlock(ctx context.Context) error {
	if err := expectIntentional(r.svc.CreateIndependentThenFail(ctx, r.name("OuterFalse"), r.name("innerPropFalse"))); err != nil {
		return err
	}
	if err := r.expectCount(ctx, "OuterFalse", 0); err != nil {
		return err
	}
	return r.expectCount(ctx, "innerPropFalse", 1)
}

func (r *Runner) concurrent(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrentWriters; i++ {
		g.Go(func() error {
			_, err := r.svc.CreateIndependent(gctx, r.name("Concurrent"))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return r.expectCount(ctx, "Concurrent", concurrentWriters)
}

func (r *Runner) untagged(ctx context.Context) error {
	if err := expectIntentional(r.svc.CreateUserUntagged(ctx, r.name("Plain"))); err != nil {
		return err
	}
	return r.expectCount(ctx, "Plain", 1)
}

func (r *Runner) transparency(ctx context.Context) error {
	created, err := r.svc.CreateUser(ctx, r.name("Carol"))
	if err != nil {
		return err
	}
	direct, err := r.repo.FindByID(ctx, created.ID)
	if err != nil {
		return err
	}
	if *direct != *created {
		return fmt.Errorf("demo: tagged result %+v differs from stored %+v", *created, *direct)
	}
	viaTx, err := r.svc.CountUsers(ctx, r.name("Carol"))
	if err != nil {
		return err
	}
	plain, err := r.repo.CountByName(ctx, r.name("Carol"))
	if err != nil {
		return err
	}
	if viaTx != plain {
		return fmt.Errorf("demo: tagged count %d differs from direct count %d", viaTx, plain)
	}
	renamed, err := r.svc.RenameUser(ctx, created.ID, r.name("Caroline"))
	if err != nil {
		return err
	}
	if renamed.Name != r.name("Caroline") {
		return fmt.Errorf("demo: rename returned %q", renamed.Name)
	}
	return r.expectCount(ctx, "Caroline", 1)
}

func (r *Runner) outboxFollows(ctx context.Context) error {
	before, err := r.events.CountByType(ctx, EventUserCreated)
	if err != nil {
		return err
	}
	if err := expectIntentional(r.svc.CreateUserThenFail(ctx, r.name("Grace"))); err != nil {
		return err
	}
	afterRollback, err := r.events.CountByType(ctx, EventUserCreated)
	if err != nil {
		return err
	}
	if afterRollback != before {
		return fmt.Errorf("demo: rolled back create left %d outbox events", afterRollback-before)
	}
	if _, err := r.svc.CreateUser(ctx, r.name("Heidi")); err != nil {
		return err
	}
	afterCommit, err := r.events.CountByType(ctx, EventUserCreated)
	if err != nil {
		return err
	}
	if afterCommit != before+1 {
		return fmt.Errorf("demo: committed create produced %d outbox events want 1", afterCommit-before)
	}
	return nil
}
