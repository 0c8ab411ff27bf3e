package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/platinummonkey/portfolio-authz/pkg/contextkeys"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		if buf.Len() > 0 {
			t.Error("Debug message should not be logged at Info level")
		}
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeLine(t, &buf)
		if entry["level"] != "INFO" {
			t.Errorf("Expected level INFO, got %v", entry["level"])
		}
		if entry["msg"] != "info message" {
			t.Errorf("Expected message 'info message', got %v", entry["msg"])
		}
	})

	t.Run("formatted error", func(t *testing.T) {
		buf.Reset()
		logger.Errorf("failed %d times", 3)
		entry := decodeLine(t, &buf)
		if entry["msg"] != "failed 3 times" {
			t.Errorf("unexpected message %v", entry["msg"])
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"WARNING": WarnLevel,
		" error ": ErrorLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithPortfolio(7, 42).WithError(errors.New("boom")).Debug("message")

	entry := decodeLine(t, &buf)
	if entry["portfolio_id"] != float64(7) {
		t.Errorf("Expected portfolio_id 7, got %v", entry["portfolio_id"])
	}
	if entry["user_id"] != float64(42) {
		t.Errorf("Expected user_id 42, got %v", entry["user_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error field, got %v", entry["error"])
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(WarnLevel, &buf)
	child := root.WithField("component", "test")

	child.Info("dropped")
	if buf.Len() > 0 {
		t.Fatal("info should be dropped at warn level")
	}

	root.SetLevel(DebugLevel)
	if child.Level() != DebugLevel {
		t.Errorf("Expected child level debug, got %v", child.Level())
	}
	child.Debug("kept")
	entry := decodeLine(t, &buf)
	if entry["component"] != "test" {
		t.Errorf("Expected component field, got %v", entry["component"])
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = contextkeys.WithRequestID(ctx, "req-1")
	ctx = contextkeys.WithActorID(ctx, 9)

	FromContext(ctx).Info("hello")

	entry := decodeLine(t, &buf)
	if entry["request_id"] != "req-1" {
		t.Errorf("Expected request_id, got %v", entry["request_id"])
	}
	if entry["actor_id"] != float64(9) {
		t.Errorf("Expected actor_id 9, got %v", entry["actor_id"])
	}
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordDecision("remove_members", "deny", "target_is_owner", time.Millisecond)
	m.RecordDecision("remove_members", "deny", "target_is_owner", time.Millisecond)
	m.RecordTransition("change_role", nil)
	m.RecordTransition("change_role", errors.New("x"))
	m.RecordAuditFailure("role_change")
	m.RecordLocatorLookup("l1", "hit")
	m.RecordInvitationsSwept(3)
	m.RecordInvitationsSwept(0)

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("remove_members", "deny", "target_is_owner")); got != 2 {
		t.Errorf("expected 2 decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("change_role", "error")); got != 1 {
		t.Errorf("expected 1 failed transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuditWriteFailures.WithLabelValues("role_change")); got != 1 {
		t.Errorf("expected 1 audit failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.InvitationsSweptTotal); got != 3 {
		t.Errorf("expected 3 swept, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pauthz_authorization_decisions_total") {
		t.Error("metrics output missing decision counter")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordDecision("a", "allow", "", time.Second)
	m.RecordTransition("t", nil)
	m.RecordAuditFailure("a")
	m.RecordLocatorLookup("l1", "miss")
	m.RecordInvitationsSwept(1)
}

func TestHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker("test")
	checker.AddCheck("database", true, db.PingContext)
	checker.AddCheck("redis", false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	t.Run("healthy", func(t *testing.T) {
		mock.ExpectPing()
		status := checker.Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s: %+v", status.Status, status.Dependencies)
		}
	})

	t.Run("redis down degrades", func(t *testing.T) {
		mock.ExpectPing()
		mr.SetError("LOADING")
		defer mr.SetError("")

		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
		var status HealthStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatal(err)
		}
		if status.Status != StatusDegraded {
			t.Errorf("Expected degraded, got %s", status.Status)
		}
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", rec.Code)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker("v").Liveness(rec, httptest.NewRequest(http.MethodGet, "/healthz/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
