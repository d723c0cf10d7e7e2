package goodjob

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// getConnectionStringFromEnv mirrors the teacher's TALON_DB_*-keyed
// helper, generalized to GOODJOB_DB_* with the same fallback defaults so
// a developer's local Postgres "just works" without extra setup.
func getConnectionStringFromEnv(t testing.TB) string {
	t.Helper()

	dbUser := "goodjob"
	if v, ok := os.LookupEnv("GOODJOB_DB_USER"); ok {
		dbUser = v
	}
	dbPassword := "goodjob"
	if v, ok := os.LookupEnv("GOODJOB_DB_PASSWORD"); ok {
		dbPassword = v
	}
	dbHost := "localhost"
	if v, ok := os.LookupEnv("GOODJOB_DB_HOST"); ok {
		dbHost = v
	}
	dbPort := "5432"
	if v, ok := os.LookupEnv("GOODJOB_DB_PORT"); ok {
		dbPort = v
	}
	dbName := "goodjob_test"
	if v, ok := os.LookupEnv("GOODJOB_DB_NAME"); ok {
		dbName = v
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", dbUser, dbPassword, dbHost, dbPort, dbName)
}

// openTestPool opens a bounded pool against the schema documented in
// sql.go's schemaDDL, which the test environment is expected to have
// already migrated.
func openTestPool(t testing.TB) *pgxpool.Pool {
	t.Helper()

	pool, err := pgxpool.New(context.Background(), getConnectionStringFromEnv(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return pool
}

// truncateAndClose clears every table this package writes to between
// tests, the generalization of the teacher's single-table
// truncateAndClose to this package's five tables.
func truncateAndClose(t testing.TB, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{
		"good_job_executions",
		"good_jobs",
		"good_job_batches",
		"good_job_processes",
		"good_job_settings",
	} {
		if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	pool.Close()
}

// findOneJob mirrors the teacher's findOneJob, generalized to this
// package's wider column set via scanJob.
func findOneJob(t testing.TB, q queryable) *Job {
	t.Helper()
	row := q.QueryRow(context.Background(), sqlFetchCandidatesBase+" LIMIT 1")
	j, err := scanJob(row)
	if err != nil {
		t.Fatalf("find one job: %v", err)
	}
	return j
}

func testLogger() *Logger { return NewNopLogger() }
