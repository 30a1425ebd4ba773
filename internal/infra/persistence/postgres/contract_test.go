package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aritmos/ibroker/internal/domain/dlqstore"
	"github.com/aritmos/ibroker/internal/domain/idemstore"
	"github.com/aritmos/ibroker/internal/domain/outboxstore"
	"github.com/aritmos/ibroker/internal/infra/persistence/migrations"
	pgstore "github.com/aritmos/ibroker/internal/infra/persistence/postgres"
)

// The contract suite needs a Docker daemon; it is opt-in via
// IBROKER_PG_CONTRACT=1 so the unit tests stay runnable everywhere.
const contractEnv = "IBROKER_PG_CONTRACT"

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	if os.Getenv(contractEnv) == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "ibroker"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/ibroker?sslmode=disable", host, port.Port())

	// Empty dir runs the embedded migration set, the same path the broker
	// binary takes by default.
	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireContract(t *testing.T) {
	t.Helper()
	if os.Getenv(contractEnv) == "" {
		t.Skipf("set %s=1 to run the postgres contract suite", contractEnv)
	}
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
}

func TestIdempotencyClaimLifecycle(t *testing.T) {
	requireContract(t)
	ctx := context.Background()
	store := pgstore.NewIdempotencyStore(testPool)
	key := "contract-" + uuid.NewString()

	claim := idemstore.Claim{
		Key:           key,
		TTL:           time.Minute,
		MessageID:     "m-1",
		CorrelationID: "c-1",
		FlowID:        "visit-intake",
		Source:        "rest",
	}
	first, err := store.Claim(ctx, claim)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.Decision != idemstore.DecisionProcess {
		t.Fatalf("expected PROCESS, got %s", first.Decision)
	}

	second, err := store.Claim(ctx, claim)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second.Decision != idemstore.DecisionLocked {
		t.Fatalf("expected LOCKED, got %s", second.Decision)
	}
	if second.Existing == nil || second.Existing.Status != idemstore.StatusInProgress {
		t.Fatalf("expected in-progress existing record, got %+v", second.Existing)
	}
	if err := store.RecordSkip(ctx, key, idemstore.SkipLocked); err != nil {
		t.Fatalf("record skip: %v", err)
	}

	if err := store.Complete(ctx, key, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	third, err := store.Claim(ctx, claim)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if third.Decision != idemstore.DecisionSkipCompleted {
		t.Fatalf("expected SKIP_COMPLETED, got %s", third.Decision)
	}

	record, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != idemstore.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", record.Status)
	}
	if record.SkipCount != 1 || record.LastSkipReason != idemstore.SkipLocked {
		t.Fatalf("expected one LOCKED skip, got %d/%s", record.SkipCount, record.LastSkipReason)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[idemstore.StatusCompleted] < 1 {
		t.Fatalf("expected completed count >= 1, got %v", counts)
	}
}

func TestIdempotencyFailedKeyReclaim(t *testing.T) {
	requireContract(t)
	ctx := context.Background()
	store := pgstore.NewIdempotencyStore(testPool)
	key := "contract-" + uuid.NewString()

	claim := idemstore.Claim{Key: key, TTL: time.Minute, FlowID: "visit-intake", Source: "queue"}
	if _, err := store.Claim(ctx, claim); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Fail(ctx, key, "FLOW_EXECUTION_ERROR", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	retry, err := store.Claim(ctx, claim)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if retry.Decision != idemstore.DecisionProcess {
		t.Fatalf("expected FAILED key to be reclaimable, got %s", retry.Decision)
	}
}

func TestIdempotencyManualUnlock(t *testing.T) {
	requireContract(t)
	ctx := context.Background()
	store := pgstore.NewIdempotencyStore(testPool)
	key := "contract-" + uuid.NewString()

	if _, err := store.Claim(ctx, idemstore.Claim{Key: key, TTL: time.Hour}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	record, err := store.Unlock(ctx, key, "ops", "stuck worker")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if record.Status != idemstore.StatusFailed || record.ErrorCode != "MANUAL_UNLOCK" {
		t.Fatalf("expected manual FAILED record, got %+v", record)
	}

	if _, err := store.Unlock(ctx, key, "ops", "again"); err == nil {
		t.Fatalf("expected unlock of non in-progress record to fail")
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	requireContract(t)
	ctx := context.Background()
	store := pgstore.NewDLQStore(testPool)

	id, err := store.Put(ctx, dlqstore.Entry{
		Kind:           "EVENT",
		Type:           "visit.created",
		Source:         "rest",
		MessageID:      uuid.NewString(),
		IdempotencyKey: "rest:visit:" + uuid.NewString(),
		ErrorCode:      "FLOW_EXECUTION_ERROR",
		ErrorMessage:   "script threw",
		Headers:        map[string]string{"x-correlation-id": "c-9"},
		Payload:        json.RawMessage(`{"visitId":"v-9"}`),
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	record, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != dlqstore.StatusPending || record.Type != "visit.created" {
		t.Fatalf("unexpected record %+v", record)
	}

	failed, err := store.RecordFailure(ctx, id, "FLOW_EXECUTION_ERROR", "still broken")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if failed.Attempts != 1 || failed.Status != dlqstore.StatusPending {
		t.Fatalf("expected pending after first failure, got %+v", failed)
	}
	dead, err := store.RecordFailure(ctx, id, "FLOW_EXECUTION_ERROR", "give up")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if dead.Status != dlqstore.StatusDead {
		t.Fatalf("expected DEAD after exhausting attempts, got %s", dead.Status)
	}

	replayID, err := store.Put(ctx, dlqstore.Entry{Kind: "COMMAND", Type: "ticket.call", Payload: json.RawMessage(`{}`), MaxAttempts: 3})
	if err != nil {
		t.Fatalf("put replayable: %v", err)
	}
	if err := store.MarkReplayed(ctx, replayID, json.RawMessage(`{"outcome":"PROCESSED"}`)); err != nil {
		t.Fatalf("mark replayed: %v", err)
	}
	replayed, err := store.Get(ctx, replayID)
	if err != nil {
		t.Fatalf("get replayed: %v", err)
	}
	if replayed.Status != dlqstore.StatusReplayed || replayed.ReplayedAt == nil {
		t.Fatalf("expected REPLAYED with timestamp, got %+v", replayed)
	}

	pending, err := store.List(ctx, dlqstore.Query{Status: dlqstore.StatusDead, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rec := range pending {
		if rec.Status != dlqstore.StatusDead {
			t.Fatalf("status filter leaked %s", rec.Status)
		}
	}
}

func TestMessageOutboxLifecycle(t *testing.T) {
	requireContract(t)
	ctx := context.Background()
	store := pgstore.NewMessageOutboxStore(testPool)
	now := time.Now()

	record, err := store.Enqueue(ctx, outboxstore.Message{
		Provider:      "watermill",
		Destination:   "visits.processed",
		Key:           "v-1",
		Payload:       json.RawMessage(`{"visitId":"v-1"}`),
		Headers:       map[string]string{"x-correlation-id": "c-1"},
		CorrelationID: "c-1",
		MaxAttempts:   2,
		AvailableAt:   now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if record.Status != outboxstore.StatusPending || record.ID == outboxstore.NoRecordID {
		t.Fatalf("unexpected enqueue record %+v", record)
	}

	claimed, err := store.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	var mine *outboxstore.MessageRecord
	for i := range claimed {
		if claimed[i].ID == record.ID {
			mine = &claimed[i]
		}
	}
	if mine == nil || mine.Status != outboxstore.StatusSending {
		t.Fatalf("expected record claimed as SENDING, got %+v", mine)
	}

	again, err := store.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim due: %v", err)
	}
	for _, rec := range again {
		if rec.ID == record.ID {
			t.Fatalf("SENDING record claimed twice")
		}
	}

	failed, err := store.MarkFailed(ctx, record.ID, "publish: broker down", now.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Attempts != 1 || failed.Status != outboxstore.StatusPending || failed.LastError == "" {
		t.Fatalf("unexpected failed record %+v", failed)
	}

	reclaimed, err := store.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("reclaim due: %v", err)
	}
	found := false
	for _, rec := range reclaimed {
		if rec.ID == record.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("rescheduled record not claimable")
	}
	if err := store.MarkSent(ctx, record.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	sent, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sent.Status != outboxstore.StatusSent || sent.SentAt == nil {
		t.Fatalf("expected SENT with timestamp, got %+v", sent)
	}

	if err := store.Replay(ctx, record.ID, true); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get replayed: %v", err)
	}
	if replayed.Status != outboxstore.StatusPending || replayed.Attempts != 0 {
		t.Fatalf("expected reset PENDING record, got %+v", replayed)
	}
}

func TestCallOutboxLifecycle(t *testing.T) {
	requireContract(t)
	ctx := context.Background()
	store := pgstore.NewCallOutboxStore(testPool)
	now := time.Now()

	record, err := store.Enqueue(ctx, outboxstore.Call{
		Connector:      "crm",
		Method:         "POST",
		URL:            "https://crm.example.com/visits",
		Body:           json.RawMessage(`{"visitId":"v-1"}`),
		Headers:        map[string]string{"content-type": "application/json"},
		IdempotencyKey: "rest:visit:" + uuid.NewString(),
		MaxAttempts:    1,
		AvailableAt:    now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := store.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	found := false
	for _, rec := range claimed {
		if rec.ID == record.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("due call not claimed")
	}

	dead, err := store.MarkFailed(ctx, record.ID, "upstream 502", 502, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if dead.Status != outboxstore.StatusDead || dead.LastStatusCode != 502 {
		t.Fatalf("expected DEAD with status code after exhausting single attempt, got %+v", dead)
	}

	if err := store.Replay(ctx, record.ID, false); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if replayed.Status != outboxstore.StatusPending || replayed.Attempts != 1 {
		t.Fatalf("expected PENDING with attempts kept, got %+v", replayed)
	}

	if err := store.MarkSent(ctx, record.ID, 201); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	sent, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get sent: %v", err)
	}
	if sent.Status != outboxstore.StatusSent || sent.LastStatusCode != 201 {
		t.Fatalf("expected SENT with 201, got %+v", sent)
	}
}

func TestPoolMetricsGaugesRegister(t *testing.T) {
	requireContract(t)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	pgstore.ObservePoolMetrics(testPool, "contract")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	seen := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			seen[m.Name] = true
		}
	}
	for _, name := range []string{
		"ibroker_db_pool_connections_total",
		"ibroker_db_pool_connections_idle",
		"ibroker_db_pool_connections_acquired",
		"ibroker_db_pool_connections_constructing",
	} {
		if !seen[name] {
			t.Fatalf("gauge %s was not registered, saw %v", name, seen)
		}
	}
}
