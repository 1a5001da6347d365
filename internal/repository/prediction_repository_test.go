package repository

import (
	"context"
	"strings"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newDryRunDB builds a gorm handle that renders SQL without a server.
func newDryRunDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=test password=test dbname=test port=5432 sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open dry-run db: %v", err)
	}
	return db
}

func assertContains(t *testing.T, sql string, fragments ...string) {
	t.Helper()
	for _, f := range fragments {
		if !strings.Contains(sql, f) {
			t.Fatalf("expected SQL to contain %q, got: %s", f, sql)
		}
	}
}

func TestLookupQueryScopesToOwner(t *testing.T) {
	db := newDryRunDB(t)
	ctx := context.Background()

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return NewPredictionRepository(tx).lookupQuery(ctx, "req-1", "user-1").Find(&[]PredictionLog{})
	})
	assertContains(t, sql, `FROM "prediction_logs"`, `request_id = 'req-1'`, `user_id = 'user-1'`)

	sql = db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return NewPredictionRepository(tx).lookupQuery(ctx, "req-1", "").Find(&[]PredictionLog{})
	})
	if strings.Contains(sql, "user_id") {
		t.Fatalf("expected unscoped lookup, got: %s", sql)
	}
}

func TestSaveLogTargetsPredictionLogs(t *testing.T) {
	db := newDryRunDB(t)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Create(&PredictionLog{RequestID: "req-2", Source: "asprise", Success: true})
	})
	assertContains(t, sql, `INSERT INTO "prediction_logs"`, `'req-2'`, `'asprise'`)
}

func TestAggregateQueries(t *testing.T) {
	db := newDryRunDB(t)
	ctx := context.Background()

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return NewPredictionRepository(tx).aggregateQuery(ctx).Find(&[]Aggregation{})
	})
	assertContains(t, sql,
		`FROM "prediction_logs"`,
		"COUNT(*) AS total_count",
		"SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count",
		"AVG(latency_ms), 0) AS avg_latency_ms",
	)

	sql = db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return NewPredictionRepository(tx).countBySourceQuery(ctx).Find(&[]SourceCount{})
	})
	assertContains(t, sql,
		"SELECT source, COUNT(*) AS count",
		`FROM "prediction_logs"`,
		"GROUP BY",
		"ORDER BY source",
	)
}

func TestTableName(t *testing.T) {
	if (PredictionLog{}).TableName() != "prediction_logs" {
		t.Fatal("unexpected table name")
	}
}
