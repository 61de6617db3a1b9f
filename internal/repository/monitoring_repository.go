package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"nutri-advisor-go/internal/model"
)

// MonitoringRepository 是只追加的预测日志与反馈存储。
type MonitoringRepository interface {
	Append(ctx context.Context, rec *model.MonitoringRecord) error
	// AppendFeedback 追加一条反馈，记录不存在时返回 NotFound。
	AppendFeedback(ctx context.Context, fb *model.Feedback) error
	// ListSince 返回 since 之后的记录，每条记录附带最新反馈，按时间升序。
	ListSince(ctx context.Context, since time.Time) ([]model.RecordWithFeedback, error)
	Ping(ctx context.Context) error
	Close() error
}

type sqliteMonitoringRepository struct {
	db *sql.DB
}

// NewMonitoringRepository 打开（必要时创建）SQLite 文件并初始化表结构。
func NewMonitoringRepository(dbPath string) (MonitoringRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)

	repo := &sqliteMonitoringRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *sqliteMonitoringRepository) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS predictions (
        id TEXT PRIMARY KEY,
        created_at INTEGER NOT NULL,
        request_id TEXT NOT NULL,
        endpoint TEXT NOT NULL,
        subject_id TEXT NOT NULL,
        food TEXT NOT NULL,
        fact_identity TEXT NOT NULL DEFAULT '',
        quantity_g REAL NOT NULL,
        feature_names TEXT NOT NULL DEFAULT '[]',
        features TEXT NOT NULL DEFAULT '[]',
        recommended INTEGER,
        confidence REAL NOT NULL DEFAULT 0,
        classifier_source TEXT NOT NULL DEFAULT '',
        model_version TEXT NOT NULL DEFAULT '',
        verifier_status TEXT NOT NULL DEFAULT '',
        generation_source TEXT NOT NULL DEFAULT '',
        degraded INTEGER NOT NULL DEFAULT 0,
        stage_errors TEXT NOT NULL DEFAULT '{}',
        total_ms REAL NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS prediction_feedback (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        record_id TEXT NOT NULL,
        label TEXT NOT NULL DEFAULT '',
        score INTEGER NOT NULL DEFAULT 0,
        comment TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        FOREIGN KEY (record_id) REFERENCES predictions(id)
    );

    CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
    CREATE INDEX IF NOT EXISTS idx_feedback_record_id ON prediction_feedback(record_id);
    `
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *sqliteMonitoringRepository) Append(ctx context.Context, rec *model.MonitoringRecord) error {
	names, err := json.Marshal(rec.FeatureNames)
	if err != nil {
		return err
	}
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}
	stageErrors, err := json.Marshal(rec.StageErrors)
	if err != nil {
		return err
	}
	var recommended interface{}
	if rec.Recommended != nil {
		recommended = boolToInt(*rec.Recommended)
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO predictions (id, created_at, request_id, endpoint, subject_id, food, fact_identity, quantity_g,
            feature_names, features, recommended, confidence, classifier_source, model_version,
            verifier_status, generation_source, degraded, stage_errors, total_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.UnixMilli(), rec.RequestID, rec.Endpoint, rec.SubjectID, rec.Food, rec.FactIdentity, rec.Quantity,
		string(names), string(features), recommended, rec.Confidence, rec.ClassifierSource, rec.ModelVersion,
		string(rec.VerifierStatus), rec.GenerationSource, boolToInt(rec.Degraded), string(stageErrors), rec.TotalMs)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

func (r *sqliteMonitoringRepository) AppendFeedback(ctx context.Context, fb *model.Feedback) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM predictions WHERE id = ?`, fb.RecordID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError("monitoring.feedback", "record %s", fb.RecordID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up prediction: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO prediction_feedback (record_id, label, score, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		fb.RecordID, fb.Label, fb.Score, fb.Comment, fb.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

func (r *sqliteMonitoringRepository) ListSince(ctx context.Context, since time.Time) ([]model.RecordWithFeedback, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT p.id, p.created_at, p.request_id, p.endpoint, p.subject_id, p.food, p.fact_identity, p.quantity_g,
               p.feature_names, p.features, p.recommended, p.confidence, p.classifier_source, p.model_version,
               p.verifier_status, p.generation_source, p.degraded, p.stage_errors, p.total_ms,
               f.label, f.score, f.comment, f.created_at
        FROM predictions p
        LEFT JOIN prediction_feedback f ON f.id = (
            SELECT MAX(id) FROM prediction_feedback WHERE record_id = p.id
        )
        WHERE p.created_at >= ?
        ORDER BY p.created_at, p.id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []model.RecordWithFeedback
	for rows.Next() {
		var (
			rec                          model.MonitoringRecord
			createdAt                    int64
			names, features, stageErrors string
			recommended                  sql.NullInt64
			degraded                     int
			verifierStatus               string
			fbLabel, fbComment           sql.NullString
			fbScore, fbCreatedAt         sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &createdAt, &rec.RequestID, &rec.Endpoint, &rec.SubjectID, &rec.Food, &rec.FactIdentity, &rec.Quantity,
			&names, &features, &recommended, &rec.Confidence, &rec.ClassifierSource, &rec.ModelVersion,
			&verifierStatus, &rec.GenerationSource, &degraded, &stageErrors, &rec.TotalMs,
			&fbLabel, &fbScore, &fbComment, &fbCreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		rec.VerifierStatus = model.VerificationStatus(verifierStatus)
		rec.Degraded = degraded != 0
		if recommended.Valid {
			v := recommended.Int64 != 0
			rec.Recommended = &v
		}
		_ = json.Unmarshal([]byte(names), &rec.FeatureNames)
		_ = json.Unmarshal([]byte(features), &rec.Features)
		_ = json.Unmarshal([]byte(stageErrors), &rec.StageErrors)

		item := model.RecordWithFeedback{MonitoringRecord: rec}
		if fbCreatedAt.Valid {
			item.Feedback = &model.Feedback{
				RecordID:  rec.ID,
				Label:     fbLabel.String,
				Score:     int(fbScore.Int64),
				Comment:   fbComment.String,
				CreatedAt: time.UnixMilli(fbCreatedAt.Int64).UTC(),
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *sqliteMonitoringRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteMonitoringRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
