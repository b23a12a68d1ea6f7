package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/shivangiamit/hackathon/internal/models"
)

// migrations define the schema. Version is tracked in schema_versions.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS sensor_readings (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    farmer_id       TEXT NOT NULL,
    recorded_at     TEXT NOT NULL,
    moisture        REAL NOT NULL DEFAULT 0,
    ph              REAL NOT NULL DEFAULT 0,
    nitrogen        REAL NOT NULL DEFAULT 0,
    phosphorus      REAL NOT NULL DEFAULT 0,
    potassium       REAL NOT NULL DEFAULT 0,
    temperature     REAL NOT NULL DEFAULT 0,
    humidity        REAL NOT NULL DEFAULT 0,
    crop            TEXT NOT NULL DEFAULT '',
    motor_on        INTEGER NOT NULL DEFAULT 0,
    manual_override INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_readings_farmer_time ON sensor_readings(farmer_id, recorded_at);

CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    farmer_id     TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    query         TEXT NOT NULL,
    query_type    TEXT NOT NULL DEFAULT 'general',
    complexity    TEXT NOT NULL DEFAULT 'simple',
    sensors       TEXT NOT NULL DEFAULT '{}',
    context_usage TEXT NOT NULL DEFAULT '{}',
    pipeline      TEXT NOT NULL DEFAULT '{}',
    answer        TEXT NOT NULL DEFAULT '',
    confidence    REAL NOT NULL DEFAULT 0,
    reasoning     TEXT NOT NULL DEFAULT '[]',
    actions       TEXT NOT NULL DEFAULT '[]',
    action_taken  TEXT NOT NULL DEFAULT '',
    success       INTEGER,
    feedback      TEXT NOT NULL DEFAULT '',
    outcome_at    TEXT,
    expires_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_farmer ON conversations(farmer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_type ON conversations(farmer_id, query_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations(expires_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS farmer_profiles (
    farmer_id          TEXT PRIMARY KEY,
    current_crop       TEXT NOT NULL DEFAULT '',
    total_queries      INTEGER NOT NULL DEFAULT 0,
    successful_actions INTEGER NOT NULL DEFAULT 0,
    failed_actions     INTEGER NOT NULL DEFAULT 0,
    response_rate      REAL NOT NULL DEFAULT 0,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_query_counts (
    farmer_id  TEXT NOT NULL,
    query_type TEXT NOT NULL,
    count      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (farmer_id, query_type)
);

CREATE TABLE IF NOT EXISTS profile_issues (
    farmer_id TEXT NOT NULL,
    issue     TEXT NOT NULL,
    count     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (farmer_id, issue)
);

CREATE TABLE IF NOT EXISTS profile_methods (
    farmer_id TEXT NOT NULL,
    method    TEXT NOT NULL,
    count     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (farmer_id, method)
);

CREATE TABLE IF NOT EXISTS action_outcomes (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    farmer_id       TEXT NOT NULL,
    conversation_id TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    success         INTEGER NOT NULL,
    recorded_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_outcomes_farmer ON action_outcomes(farmer_id, success, id DESC);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS irrigation_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    farmer_id    TEXT NOT NULL,
    started_at   TEXT NOT NULL,
    duration_min REAL NOT NULL DEFAULT 0,
    liters       REAL NOT NULL DEFAULT 0,
    trigger_kind TEXT NOT NULL DEFAULT 'manual'
);
CREATE INDEX IF NOT EXISTS idx_irrigation_farmer_time ON irrigation_events(farmer_id, started_at);
`,
	},
	{
		// Bitmask of measured metrics; 0 on older rows means "every non-zero column".
		version: 4,
		sql:     `ALTER TABLE sensor_readings ADD COLUMN reported INTEGER NOT NULL DEFAULT 0;`,
	},
}

const (
	// recurringIssueMin is the count at which an issue becomes recurring.
	recurringIssueMin = 2
	// maxPreferredMethods caps the preferred methods returned on a profile.
	maxPreferredMethods = 5
	// maxHistory caps each action history list returned on a profile.
	maxHistory = 20
)

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Sensor readings ──────────────────────────────────────────────────────────

type readingRow struct {
	FarmerID       string  `db:"farmer_id"`
	RecordedAt     string  `db:"recorded_at"`
	Moisture       float64 `db:"moisture"`
	PH             float64 `db:"ph"`
	Nitrogen       float64 `db:"nitrogen"`
	Phosphorus     float64 `db:"phosphorus"`
	Potassium      float64 `db:"potassium"`
	Temperature    float64 `db:"temperature"`
	Humidity       float64 `db:"humidity"`
	Crop           string  `db:"crop"`
	MotorOn        bool    `db:"motor_on"`
	ManualOverride bool    `db:"manual_override"`
	Reported       uint8   `db:"reported"`
}

func (r readingRow) reading() models.SensorReading {
	at, _ := parseTime(r.RecordedAt)
	return models.SensorReading{
		FarmerID:   r.FarmerID,
		RecordedAt: at,
		Snapshot: models.SensorSnapshot{
			Moisture:       r.Moisture,
			PH:             r.PH,
			Nitrogen:       r.Nitrogen,
			Phosphorus:     r.Phosphorus,
			Potassium:      r.Potassium,
			Temperature:    r.Temperature,
			Humidity:       r.Humidity,
			Crop:           r.Crop,
			MotorOn:        r.MotorOn,
			ManualOverride: r.ManualOverride,
			Reported:       models.MetricSet(r.Reported),
		},
	}
}

const readingColumns = `farmer_id, recorded_at, moisture, ph, nitrogen, phosphorus, potassium,
    temperature, humidity, crop, motor_on, manual_override, reported`

func (s *sqliteStore) AppendReading(ctx context.Context, r models.SensorReading) error {
	snap := r.Snapshot
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sensor_readings(`+readingColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		r.FarmerID, formatTime(r.RecordedAt), snap.Moisture, snap.PH, snap.Nitrogen,
		snap.Phosphorus, snap.Potassium, snap.Temperature, snap.Humidity, snap.Crop,
		snap.MotorOn, snap.ManualOverride, uint8(snap.Measured()),
	)
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

func (s *sqliteStore) ReadingsSince(ctx context.Context, farmerID string, since time.Time) ([]models.SensorReading, error) {
	var rows []readingRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT `+readingColumns+` FROM sensor_readings
        WHERE farmer_id = ? AND recorded_at >= ?
        ORDER BY recorded_at ASC, id ASC
    `, farmerID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("readings since: %w", err)
	}
	out := make([]models.SensorReading, len(rows))
	for i, r := range rows {
		out[i] = r.reading()
	}
	return out, nil
}

func (s *sqliteStore) LatestReading(ctx context.Context, farmerID string) (*models.SensorReading, error) {
	var row readingRow
	err := s.db.GetContext(ctx, &row, `
        SELECT `+readingColumns+` FROM sensor_readings
        WHERE farmer_id = ?
        ORDER BY recorded_at DESC, id DESC LIMIT 1
    `, farmerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest reading for %s: %w", farmerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest reading: %w", err)
	}
	r := row.reading()
	return &r, nil
}

// ─── Conversations ────────────────────────────────────────────────────────────

type conversationRow struct {
	ID           string         `db:"id"`
	FarmerID     string         `db:"farmer_id"`
	CreatedAt    string         `db:"created_at"`
	Query        string         `db:"query"`
	QueryType    string         `db:"query_type"`
	Complexity   string         `db:"complexity"`
	Sensors      string         `db:"sensors"`
	ContextUsage string         `db:"context_usage"`
	Pipeline     string         `db:"pipeline"`
	Answer       string         `db:"answer"`
	Confidence   float64        `db:"confidence"`
	Reasoning    string         `db:"reasoning"`
	Actions      string         `db:"actions"`
	ActionTaken  string         `db:"action_taken"`
	Success      sql.NullBool   `db:"success"`
	Feedback     string         `db:"feedback"`
	OutcomeAt    sql.NullString `db:"outcome_at"`
	ExpiresAt    string         `db:"expires_at"`
}

const conversationColumns = `id, farmer_id, created_at, query, query_type, complexity, sensors,
    context_usage, pipeline, answer, confidence, reasoning, actions, action_taken,
    success, feedback, outcome_at, expires_at`

func (r conversationRow) record() (models.ConversationRecord, error) {
	rec := models.ConversationRecord{
		ID:          r.ID,
		FarmerID:    r.FarmerID,
		Query:       r.Query,
		QueryType:   models.QueryType(r.QueryType),
		Complexity:  models.Complexity(r.Complexity),
		Answer:      r.Answer,
		Confidence:  r.Confidence,
		ActionTaken: r.ActionTaken,
		Feedback:    r.Feedback,
	}
	rec.Timestamp, _ = parseTime(r.CreatedAt)
	rec.ExpiresAt, _ = parseTime(r.ExpiresAt)
	if r.Success.Valid {
		ok := r.Success.Bool
		rec.Success = &ok
	}
	if r.OutcomeAt.Valid {
		if at, err := parseTime(r.OutcomeAt.String); err == nil {
			rec.OutcomeAt = &at
		}
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  interface{}
	}{
		{"sensors", r.Sensors, &rec.Sensors},
		{"context_usage", r.ContextUsage, &rec.ContextUsage},
		{"pipeline", r.Pipeline, &rec.Pipeline},
		{"reasoning", r.Reasoning, &rec.Reasoning},
		{"actions", r.Actions, &rec.Actions},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return rec, fmt.Errorf("decode conversation %s %s: %w", r.ID, f.name, err)
		}
	}
	return rec, nil
}

func (s *sqliteStore) SaveConversation(ctx context.Context, rec *models.ConversationRecord) error {
	encoded := make([]string, 0, 5)
	for _, v := range []interface{}{rec.Sensors, rec.ContextUsage, rec.Pipeline, nonNilStrings(rec.Reasoning), nonNilActions(rec.Actions)} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", rec.ID, err)
		}
		encoded = append(encoded, string(b))
	}

	var success interface{}
	if rec.Success != nil {
		success = *rec.Success
	}
	var outcomeAt interface{}
	if rec.OutcomeAt != nil {
		outcomeAt = formatTime(*rec.OutcomeAt)
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations(`+conversationColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.FarmerID, formatTime(rec.Timestamp), rec.Query, string(rec.QueryType),
		string(rec.Complexity), encoded[0], encoded[1], encoded[2], rec.Answer, rec.Confidence,
		encoded[3], encoded[4], rec.ActionTaken, success, rec.Feedback, outcomeAt,
		formatTime(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*models.ConversationRecord, error) {
	rec, err := s.getConversation(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) getConversation(ctx context.Context, q sqlx.QueryerContext, id string) (*models.ConversationRecord, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row, `
        SELECT `+conversationColumns+` FROM conversations
        WHERE id = ? AND expires_at > ?
    `, id, formatTime(time.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqliteStore) listConversations(ctx context.Context, where string, args ...interface{}) ([]models.ConversationRecord, error) {
	var rows []conversationRow
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE expires_at > ? AND ` +
		where + ` ORDER BY created_at DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, append([]interface{}{formatTime(time.Now())}, args...)...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]models.ConversationRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *sqliteStore) RecentConversations(ctx context.Context, farmerID string, limit int) ([]models.ConversationRecord, error) {
	return s.listConversations(ctx, `farmer_id = ?`, farmerID, limitOr(limit, 10))
}

func (s *sqliteStore) SimilarConversations(ctx context.Context, farmerID string, queryType models.QueryType, limit int) ([]models.ConversationRecord, error) {
	return s.listConversations(ctx, `farmer_id = ? AND query_type = ?`, farmerID, string(queryType), limitOr(limit, 10))
}

func (s *sqliteStore) SuccessfulConversations(ctx context.Context, farmerID string, limit int) ([]models.ConversationRecord, error) {
	return s.listConversations(ctx, `farmer_id = ? AND success = 1`, farmerID, limitOr(limit, 10))
}

func (s *sqliteStore) UpdateConversationOutcome(ctx context.Context, id string, outcome Outcome) (*models.ConversationRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := s.setConversationOutcome(ctx, tx, id, outcome)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outcome: %w", err)
	}
	return rec, nil
}

func (s *sqliteStore) setConversationOutcome(ctx context.Context, tx *sqlx.Tx, id string, outcome Outcome) (*models.ConversationRecord, error) {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE conversations
        SET action_taken = ?, success = ?, feedback = ?, outcome_at = ?
        WHERE id = ? AND expires_at > ?
    `, outcome.ActionTaken, outcome.Success, outcome.Feedback, formatTime(outcome.RecordedAt),
		id, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("update outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return s.getConversation(ctx, tx, id)
}

func (s *sqliteStore) ApplyOutcome(ctx context.Context, id string, outcome Outcome) (*models.ConversationRecord, *models.FarmerProfile, error) {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rec, err := s.setConversationOutcome(ctx, tx, id, outcome)
	if err != nil {
		return nil, nil, err
	}
	if err := s.retractOutcome(ctx, tx, rec.FarmerID, id); err != nil {
		return nil, nil, err
	}

	action := outcome.ActionTaken
	if action == "" && len(rec.Actions) > 0 {
		action = rec.Actions[0].Text
	}
	p, err := s.addActionOutcome(ctx, tx, rec.FarmerID, models.ActionOutcome{
		ConversationID: id,
		Action:         action,
		Success:        outcome.Success,
		RecordedAt:     outcome.RecordedAt,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit outcome: %w", err)
	}
	return rec, p, nil
}

// retractOutcome undoes the profile contribution of an earlier report on
// conversationID, if there was one.
func (s *sqliteStore) retractOutcome(ctx context.Context, tx *sqlx.Tx, farmerID, conversationID string) error {
	var prev struct {
		ID      int64  `db:"id"`
		Action  string `db:"action"`
		Success bool   `db:"success"`
	}
	err := tx.GetContext(ctx, &prev, `
        SELECT id, action, success FROM action_outcomes
        WHERE farmer_id = ? AND conversation_id = ?
        ORDER BY id DESC LIMIT 1
    `, farmerID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load previous outcome: %w", err)
	}

	succ, fail := 0, 1
	if prev.Success {
		succ, fail = 1, 0
	}
	_, err = tx.ExecContext(ctx, `
        UPDATE farmer_profiles SET
            successful_actions = MAX(successful_actions - ?, 0),
            failed_actions     = MAX(failed_actions - ?, 0)
        WHERE farmer_id = ?
    `, succ, fail, farmerID)
	if err != nil {
		return fmt.Errorf("retract action counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_outcomes WHERE id = ?`, prev.ID); err != nil {
		return fmt.Errorf("retract action outcome: %w", err)
	}

	if method := strings.TrimSpace(prev.Action); prev.Success && method != "" {
		_, err = tx.ExecContext(ctx, `
            UPDATE profile_methods SET count = count - 1 WHERE farmer_id = ? AND method = ?
        `, farmerID, method)
		if err != nil {
			return fmt.Errorf("retract preferred method: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
            DELETE FROM profile_methods WHERE farmer_id = ? AND method = ? AND count <= 0
        `, farmerID, method)
		if err != nil {
			return fmt.Errorf("retract preferred method: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

// ─── Farmer profiles ──────────────────────────────────────────────────────────

type profileRow struct {
	FarmerID          string  `db:"farmer_id"`
	CurrentCrop       string  `db:"current_crop"`
	TotalQueries      int64   `db:"total_queries"`
	SuccessfulActions int64   `db:"successful_actions"`
	FailedActions     int64   `db:"failed_actions"`
	ResponseRate      float64 `db:"response_rate"`
	CreatedAt         string  `db:"created_at"`
	UpdatedAt         string  `db:"updated_at"`
}

type outcomeRow struct {
	ConversationID string `db:"conversation_id"`
	Action         string `db:"action"`
	Success        bool   `db:"success"`
	RecordedAt     string `db:"recorded_at"`
}

func (s *sqliteStore) GetProfile(ctx context.Context, farmerID string) (*models.FarmerProfile, error) {
	return s.loadProfile(ctx, s.db, farmerID)
}

func (s *sqliteStore) EnsureProfile(ctx context.Context, farmerID string) (*models.FarmerProfile, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO farmer_profiles(farmer_id, created_at, updated_at) VALUES(?,?,?)
        ON CONFLICT(farmer_id) DO NOTHING
    `, farmerID, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return s.loadProfile(ctx, s.db, farmerID)
}

func (s *sqliteStore) IncrementQueryCounts(ctx context.Context, farmerID string, qt models.QueryType, crop string, issues []string) error {
	now := formatTime(time.Now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO farmer_profiles(farmer_id, current_crop, total_queries, created_at, updated_at)
        VALUES(?,?,1,?,?)
        ON CONFLICT(farmer_id) DO UPDATE SET
            total_queries = total_queries + 1,
            current_crop  = CASE WHEN excluded.current_crop <> '' THEN excluded.current_crop ELSE current_crop END,
            updated_at    = excluded.updated_at
    `, farmerID, crop, now, now)
	if err != nil {
		return fmt.Errorf("increment total queries: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO profile_query_counts(farmer_id, query_type, count) VALUES(?,?,1)
        ON CONFLICT(farmer_id, query_type) DO UPDATE SET count = count + 1
    `, farmerID, string(qt))
	if err != nil {
		return fmt.Errorf("increment query type: %w", err)
	}

	for _, issue := range issues {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO profile_issues(farmer_id, issue, count) VALUES(?,?,1)
            ON CONFLICT(farmer_id, issue) DO UPDATE SET count = count + 1
        `, farmerID, issue)
		if err != nil {
			return fmt.Errorf("increment issue %s: %w", issue, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordActionOutcome(ctx context.Context, farmerID string, o models.ActionOutcome) (*models.FarmerProfile, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := s.addActionOutcome(ctx, tx, farmerID, o)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit action outcome: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) addActionOutcome(ctx context.Context, tx *sqlx.Tx, farmerID string, o models.ActionOutcome) (*models.FarmerProfile, error) {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}
	now := formatTime(time.Now())
	succ, fail := 0, 1
	if o.Success {
		succ, fail = 1, 0
	}

	_, err := tx.ExecContext(ctx, `
        INSERT INTO farmer_profiles(farmer_id, created_at, updated_at) VALUES(?,?,?)
        ON CONFLICT(farmer_id) DO NOTHING
    `, farmerID, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}

	// The right-hand side sees the pre-update values, so the rate is computed
	// from the incremented counters in the same statement.
	_, err = tx.ExecContext(ctx, `
        UPDATE farmer_profiles SET
            successful_actions = successful_actions + ?,
            failed_actions     = failed_actions + ?,
            response_rate      = CAST(successful_actions + ? AS REAL) / (successful_actions + failed_actions + 1),
            updated_at         = ?
        WHERE farmer_id = ?
    `, succ, fail, succ, now, farmerID)
	if err != nil {
		return nil, fmt.Errorf("update action counters: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO action_outcomes(farmer_id, conversation_id, action, success, recorded_at)
        VALUES(?,?,?,?,?)
    `, farmerID, o.ConversationID, o.Action, o.Success, formatTime(o.RecordedAt))
	if err != nil {
		return nil, fmt.Errorf("append action outcome: %w", err)
	}

	if o.Success && strings.TrimSpace(o.Action) != "" {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO profile_methods(farmer_id, method, count) VALUES(?,?,1)
            ON CONFLICT(farmer_id, method) DO UPDATE SET count = count + 1
        `, farmerID, strings.TrimSpace(o.Action))
		if err != nil {
			return nil, fmt.Errorf("add preferred method: %w", err)
		}
	}

	return s.loadProfile(ctx, tx, farmerID)
}

func (s *sqliteStore) loadProfile(ctx context.Context, q sqlx.QueryerContext, farmerID string) (*models.FarmerProfile, error) {
	var row profileRow
	err := sqlx.GetContext(ctx, q, &row, `
        SELECT farmer_id, current_crop, total_queries, successful_actions, failed_actions,
               response_rate, created_at, updated_at
        FROM farmer_profiles WHERE farmer_id = ?
    `, farmerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", farmerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p := &models.FarmerProfile{
		FarmerID:          row.FarmerID,
		CurrentCrop:       row.CurrentCrop,
		QueryCounts:       make(map[models.QueryType]int64),
		TotalQueries:      row.TotalQueries,
		SuccessfulActions: row.SuccessfulActions,
		FailedActions:     row.FailedActions,
		ResponseRate:      row.ResponseRate,
		RecurringIssues:   []string{},
		PreferredMethods:  []string{},
		SuccessHistory:    []models.ActionOutcome{},
		FailureHistory:    []models.ActionOutcome{},
	}
	p.CreatedAt, _ = parseTime(row.CreatedAt)
	p.UpdatedAt, _ = parseTime(row.UpdatedAt)

	var counts []struct {
		QueryType string `db:"query_type"`
		Count     int64  `db:"count"`
	}
	if err := sqlx.SelectContext(ctx, q, &counts,
		`SELECT query_type, count FROM profile_query_counts WHERE farmer_id = ?`, farmerID); err != nil {
		return nil, fmt.Errorf("get query counts: %w", err)
	}
	for _, c := range counts {
		p.QueryCounts[models.QueryType(c.QueryType)] = c.Count
	}

	if err := sqlx.SelectContext(ctx, q, &p.RecurringIssues, `
        SELECT issue FROM profile_issues WHERE farmer_id = ? AND count >= ?
        ORDER BY count DESC, issue ASC
    `, farmerID, recurringIssueMin); err != nil {
		return nil, fmt.Errorf("get recurring issues: %w", err)
	}

	if err := sqlx.SelectContext(ctx, q, &p.PreferredMethods, `
        SELECT method FROM profile_methods WHERE farmer_id = ?
        ORDER BY count DESC, method ASC LIMIT ?
    `, farmerID, maxPreferredMethods); err != nil {
		return nil, fmt.Errorf("get preferred methods: %w", err)
	}

	for _, h := range []struct {
		success bool
		dst     *[]models.ActionOutcome
	}{
		{true, &p.SuccessHistory},
		{false, &p.FailureHistory},
	} {
		var rows []outcomeRow
		if err := sqlx.SelectContext(ctx, q, &rows, `
            SELECT conversation_id, action, success, recorded_at FROM action_outcomes
            WHERE farmer_id = ? AND success = ?
            ORDER BY id DESC LIMIT ?
        `, farmerID, h.success, maxHistory); err != nil {
			return nil, fmt.Errorf("get action history: %w", err)
		}
		for _, r := range rows {
			at, _ := parseTime(r.RecordedAt)
			*h.dst = append(*h.dst, models.ActionOutcome{
				ConversationID: r.ConversationID,
				Action:         r.Action,
				Success:        r.Success,
				RecordedAt:     at,
			})
		}
	}
	return p, nil
}

// ─── Irrigation ───────────────────────────────────────────────────────────────

type irrigationRow struct {
	ID          int64   `db:"id"`
	FarmerID    string  `db:"farmer_id"`
	StartedAt   string  `db:"started_at"`
	DurationMin float64 `db:"duration_min"`
	Liters      float64 `db:"liters"`
	Trigger     string  `db:"trigger_kind"`
}

func (s *sqliteStore) AppendIrrigation(ctx context.Context, ev *models.IrrigationEvent) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO irrigation_events(farmer_id, started_at, duration_min, liters, trigger_kind)
        VALUES(?,?,?,?,?)
    `, ev.FarmerID, formatTime(ev.StartedAt), ev.DurationMin, ev.Liters, ev.Trigger)
	if err != nil {
		return fmt.Errorf("append irrigation: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) IrrigationSince(ctx context.Context, farmerID string, since time.Time) ([]models.IrrigationEvent, error) {
	var rows []irrigationRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT id, farmer_id, started_at, duration_min, liters, trigger_kind
        FROM irrigation_events
        WHERE farmer_id = ? AND started_at >= ?
        ORDER BY started_at ASC, id ASC
    `, farmerID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("irrigation since: %w", err)
	}
	out := make([]models.IrrigationEvent, len(rows))
	for i, r := range rows {
		at, _ := parseTime(r.StartedAt)
		out[i] = models.IrrigationEvent{
			ID:          r.ID,
			FarmerID:    r.FarmerID,
			StartedAt:   at,
			DurationMin: r.DurationMin,
			Liters:      r.Liters,
			Trigger:     r.Trigger,
		}
	}
	return out, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		timeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilActions(a []models.Action) []models.Action {
	if a == nil {
		return []models.Action{}
	}
	return a
}
