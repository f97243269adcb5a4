package dcb_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rodolfodpk/crablet/dcb"
)

// Grounded on the teacher's internal/dcb/dcb_test.go + helpers_test.go:
// one BeforeSuite boots a single Postgres container via testcontainers-go,
// runs the embedded migrations, and every Describe block truncates the
// events table before each It so specs stay independent.

func TestDCB(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EventStore Integration Suite")
}

var (
	ctx       context.Context
	pool      *pgxpool.Pool
	store     dcb.EventStore
	container *postgres.PostgresContainer
)

var _ = BeforeSuite(func() {
	ctx = context.Background()

	var err error
	container, err = postgres.Run(ctx,
		"postgres:17.5-alpine",
		postgres.WithDatabase("crablet"),
		postgres.WithUsername("crablet"),
		postgres.WithPassword("crablet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	Expect(err).NotTo(HaveOccurred())

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	pool, err = pgxpool.New(ctx, connStr)
	Expect(err).NotTo(HaveOccurred())

	Eventually(func() error { return pool.Ping(ctx) }, 10*time.Second, 200*time.Millisecond).Should(Succeed())

	scripts, err := dcb.Migrations()
	Expect(err).NotTo(HaveOccurred())
	for _, script := range scripts {
		_, err := pool.Exec(ctx, script)
		Expect(err).NotTo(HaveOccurred())
	}

	store, err = dcb.NewEventStore(ctx, pool, logrus.NewEntry(logrus.StandardLogger()))
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if pool != nil {
		pool.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
})

var _ = Describe("EventStore", func() {
	BeforeEach(func() {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE events RESTART IDENTITY CASCADE")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("AppendIf", func() {
		It("appends events and assigns a transaction ID", func() {
			event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), []byte(`{"owner":"alice"}`))
			txID, err := store.AppendIf(ctx, []dcb.InputEvent{event}, dcb.Empty())
			Expect(err).NotTo(HaveOccurred())
			Expect(txID).To(BeNumerically(">", 0))
		})

		It("rejects a second append against an idempotency condition already satisfied", func() {
			event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w2"), []byte(`{"owner":"bob"}`))
			condition := dcb.IdempotencyCondition("WalletOpened", "wallet_id", "w2")

			_, err := store.AppendIf(ctx, []dcb.InputEvent{event}, condition)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, []dcb.InputEvent{event}, condition)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("rejects a stale decision-model condition after a concurrent append", func() {
			tags := dcb.NewTags("wallet_id", "w3")
			first := dcb.NewInputEvent("WalletOpened", tags, []byte(`{"owner":"carol"}`))
			_, err := store.AppendIf(ctx, []dcb.InputEvent{first}, dcb.Empty())
			Expect(err).NotTo(HaveOccurred())

			query := dcb.NewQuery(tags, "WalletOpened", "DepositMade")
			states, condition, err := store.Project(ctx, []dcb.StateProjector{{
				ID:           "wallet:w3",
				Query:        query,
				InitialState: 0,
				TransitionFn: func(state any, e dcb.Event) any { return state.(int) + 1 },
			}}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(states["wallet:w3"]).To(Equal(1))

			concurrent := dcb.NewInputEvent("DepositMade", tags, []byte(`{"amount":10}`))
			_, err = store.AppendIf(ctx, []dcb.InputEvent{concurrent}, dcb.Empty())
			Expect(err).NotTo(HaveOccurred())

			stale := dcb.NewInputEvent("DepositMade", tags, []byte(`{"amount":20}`))
			_, err = store.AppendIf(ctx, []dcb.InputEvent{stale}, condition)
			Expect(err).To(HaveOccurred())
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})
	})

	Describe("Query", func() {
		It("filters by tag and event type", func() {
			tagsA := dcb.NewTags("course_id", "c1")
			tagsB := dcb.NewTags("course_id", "c2")
			_, err := store.AppendIf(ctx, []dcb.InputEvent{
				dcb.NewInputEvent("CourseDefined", tagsA, []byte(`{}`)),
				dcb.NewInputEvent("CourseDefined", tagsB, []byte(`{}`)),
			}, dcb.Empty())
			Expect(err).NotTo(HaveOccurred())

			events, err := store.Query(ctx, dcb.NewQuery(tagsA, "CourseDefined"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})
	})

	Describe("Project", func() {
		It("folds multiple projectors over one combined scan", func() {
			fromTags := dcb.NewTags("wallet_id", "wf")
			toTags := dcb.NewTags("wallet_id", "wt")
			_, err := store.AppendIf(ctx, []dcb.InputEvent{
				dcb.NewInputEvent("WalletOpened", fromTags, []byte(`{"balance":100}`)),
				dcb.NewInputEvent("WalletOpened", toTags, []byte(`{"balance":0}`)),
			}, dcb.Empty())
			Expect(err).NotTo(HaveOccurred())

			countingProjector := func(id string, tags []dcb.Tag) dcb.StateProjector {
				return dcb.StateProjector{
					ID:           id,
					Query:        dcb.NewQuery(tags, "WalletOpened"),
					InitialState: 0,
					TransitionFn: func(state any, e dcb.Event) any { return state.(int) + 1 },
				}
			}

			states, _, err := store.Project(ctx, []dcb.StateProjector{
				countingProjector("from", fromTags),
				countingProjector("to", toTags),
			}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(states["from"]).To(Equal(1))
			Expect(states["to"]).To(Equal(1))
		})
	})

	Describe("ExecuteInTransaction", func() {
		It("commits events appended inside the callback", func() {
			err := store.ExecuteInTransaction(ctx, func(txStore dcb.EventStore) error {
				event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "wtx"), []byte(`{}`))
				_, err := txStore.AppendIf(ctx, []dcb.InputEvent{event}, dcb.Empty())
				return err
			})
			Expect(err).NotTo(HaveOccurred())

			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "wtx"), "WalletOpened"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})

		It("rolls back events appended before the callback returns an error", func() {
			err := store.ExecuteInTransaction(ctx, func(txStore dcb.EventStore) error {
				event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "wrb"), []byte(`{}`))
				if _, err := txStore.AppendIf(ctx, []dcb.InputEvent{event}, dcb.Empty()); err != nil {
					return err
				}
				return assertErr{"handler aborted"}
			})
			Expect(err).To(HaveOccurred())

			events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "wrb"), "WalletOpened"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(BeEmpty())
		})
	})
})

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
