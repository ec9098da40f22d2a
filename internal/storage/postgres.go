package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/xaenox/sentinel-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) SaveDetection(ctx context.Context, rec *models.DetectionRecord) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("error marshaling check results: %v", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO detections (id, chat_id, user_id, message_id, message_text, verdict, total_score, results, training_eligible, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ChatID,
		rec.UserID,
		rec.MessageID,
		rec.Text,
		rec.Verdict,
		rec.TotalScore,
		results,
		rec.TrainingEligible,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving detection: %v", err)
	}

	return nil
}

func (s *PostgresStorage) ListDetections(ctx context.Context, since time.Time) ([]*models.DetectionRecord, error) {
	query := `
		SELECT id, chat_id, user_id, message_id, message_text, verdict, total_score, results, training_eligible, reviewed_spam, reviewed_by, created_at
		FROM detections
		WHERE created_at >= $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("error querying detections: %v", err)
	}
	defer rows.Close()

	var records []*models.DetectionRecord
	for rows.Next() {
		rec := &models.DetectionRecord{}
		var results []byte
		var reviewedSpam sql.NullBool
		err := rows.Scan(
			&rec.ID,
			&rec.ChatID,
			&rec.UserID,
			&rec.MessageID,
			&rec.Text,
			&rec.Verdict,
			&rec.TotalScore,
			&results,
			&rec.TrainingEligible,
			&reviewedSpam,
			&rec.ReviewedBy,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning detection: %v", err)
		}
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return nil, fmt.Errorf("error unmarshaling check results: %v", err)
		}
		if reviewedSpam.Valid {
			label := reviewedSpam.Bool
			rec.ReviewedSpam = &label
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *PostgresStorage) MarkReviewed(ctx context.Context, chatID, messageID int64, spam bool, reviewer string) error {
	query := `
		UPDATE detections
		SET reviewed_spam = $1, reviewed_by = $2
		WHERE chat_id = $3 AND message_id = $4`

	result, err := s.db.ExecContext(ctx, query, spam, reviewer, chatID, messageID)
	if err != nil {
		return fmt.Errorf("error marking detection reviewed: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("detection not found for chat %d message %d", chatID, messageID)
	}

	return nil
}

func (s *PostgresStorage) AddSample(ctx context.Context, sample *models.TrainingSample) error {
	query := `
		INSERT INTO training_samples (content, spam, source, confidence)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		sample.Text,
		sample.Spam,
		sample.Source,
		sample.Confidence,
	).Scan(&sample.ID, &sample.CreatedAt)
	if err != nil {
		return fmt.Errorf("error adding training sample: %v", err)
	}

	return nil
}

func (s *PostgresStorage) ListSamples(ctx context.Context) ([]*models.TrainingSample, error) {
	query := `
		SELECT id, content, spam, source, confidence, created_at
		FROM training_samples
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying training samples: %v", err)
	}
	defer rows.Close()

	var samples []*models.TrainingSample
	for rows.Next() {
		sample := &models.TrainingSample{}
		err := rows.Scan(
			&sample.ID,
			&sample.Text,
			&sample.Spam,
			&sample.Source,
			&sample.Confidence,
			&sample.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning training sample: %v", err)
		}
		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

func (s *PostgresStorage) GetThresholds(ctx context.Context, chatID int64) ([]byte, error) {
	query := `SELECT config FROM chat_thresholds WHERE chat_id = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying thresholds: %v", err)
	}

	return raw, nil
}

func (s *PostgresStorage) SaveThresholds(ctx context.Context, chatID int64, raw []byte) error {
	query := `
		INSERT INTO chat_thresholds (chat_id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chat_id) DO UPDATE SET config = $2, updated_at = now()`

	if _, err := s.db.ExecContext(ctx, query, chatID, raw); err != nil {
		return fmt.Errorf("error saving thresholds: %v", err)
	}

	return nil
}

func (s *PostgresStorage) SaveRecommendation(ctx context.Context, rec *models.ThresholdRecommendation) error {
	sampleIDs, err := json.Marshal(rec.SampleMessageIDs)
	if err != nil {
		return fmt.Errorf("error marshaling sample message ids: %v", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO threshold_recommendations
			(id, algorithm, current_threshold, recommended_threshold, confidence, current_veto_rate, estimated_veto_rate, sample_message_ids, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Algorithm,
		rec.CurrentThreshold,
		rec.RecommendedThreshold,
		rec.Confidence,
		rec.CurrentVetoRate,
		rec.EstimatedVetoRate,
		sampleIDs,
		rec.Status,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving recommendation: %v", err)
	}

	return nil
}

func (s *PostgresStorage) GetRecommendation(ctx context.Context, id string) (*models.ThresholdRecommendation, error) {
	query := `
		SELECT id, algorithm, current_threshold, recommended_threshold, confidence, current_veto_rate, estimated_veto_rate, sample_message_ids, status, reviewed_by, notes, created_at, reviewed_at
		FROM threshold_recommendations
		WHERE id = $1`

	rec, err := scanRecommendation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recommendation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying recommendation: %v", err)
	}

	return rec, nil
}

func (s *PostgresStorage) ListRecommendations(ctx context.Context, status models.RecommendationStatus) ([]*models.ThresholdRecommendation, error) {
	query := `
		SELECT id, algorithm, current_threshold, recommended_threshold, confidence, current_veto_rate, estimated_veto_rate, sample_message_ids, status, reviewed_by, notes, created_at, reviewed_at
		FROM threshold_recommendations
		WHERE $1 = '' OR status = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("error querying recommendations: %v", err)
	}
	defer rows.Close()

	var recs []*models.ThresholdRecommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning recommendation: %v", err)
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

func (s *PostgresStorage) UpdateRecommendation(ctx context.Context, rec *models.ThresholdRecommendation) error {
	query := `
		UPDATE threshold_recommendations
		SET status = $1, reviewed_by = $2, notes = $3, reviewed_at = $4
		WHERE id = $5`

	result, err := s.db.ExecContext(ctx, query, rec.Status, rec.ReviewedBy, rec.Notes, rec.ReviewedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("error updating recommendation: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("recommendation %s not found", rec.ID)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecommendation(row rowScanner) (*models.ThresholdRecommendation, error) {
	rec := &models.ThresholdRecommendation{}
	var sampleIDs []byte
	var reviewedAt sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.Algorithm,
		&rec.CurrentThreshold,
		&rec.RecommendedThreshold,
		&rec.Confidence,
		&rec.CurrentVetoRate,
		&rec.EstimatedVetoRate,
		&sampleIDs,
		&rec.Status,
		&rec.ReviewedBy,
		&rec.Notes,
		&rec.CreatedAt,
		&reviewedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sampleIDs, &rec.SampleMessageIDs); err != nil {
		return nil, fmt.Errorf("error unmarshaling sample message ids: %v", err)
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		rec.ReviewedAt = &t
	}
	return rec, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
