package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nutrilens"

	"github.com/lucsky/cuid"
	_ "modernc.org/sqlite"
)

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 50

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteMealStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteMealStore opens (creating when needed) the database at dbPath.
// ":memory:" gives a private in-memory database.
func NewSQLiteMealStore(dbPath string) (*SQLiteMealStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteMealStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMealStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteMealStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS meals (
        id TEXT PRIMARY KEY,
        image_url TEXT,
        food_items TEXT NOT NULL,
        selected_ingredients TEXT,
        calories INTEGER NOT NULL,
        protein INTEGER NOT NULL,
        carbs INTEGER NOT NULL,
        fats INTEGER NOT NULL,
        health_classification TEXT NOT NULL,
        health_score INTEGER DEFAULT 50,
        health_suggestions TEXT,
        baseline_totals TEXT,
        created_at TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_meals_created_at ON meals(created_at);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteMealStore) Save(ctx context.Context, rec nutrilens.MealRecord) (nutrilens.MealRecord, error) {
	if rec.ID == "" {
		rec.ID = cuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.HealthClassification == "" {
		rec.HealthClassification = nutrilens.Moderate
	}

	items, err := json.Marshal(rec.FoodItems)
	if err != nil {
		return rec, fmt.Errorf("failed to encode food items: %w", err)
	}
	selected, err := marshalOptional(rec.SelectedIngredients, len(rec.SelectedIngredients) == 0)
	if err != nil {
		return rec, fmt.Errorf("failed to encode selected ingredients: %w", err)
	}
	suggestions, err := marshalOptional(rec.Suggestions, len(rec.Suggestions) == 0)
	if err != nil {
		return rec, fmt.Errorf("failed to encode suggestions: %w", err)
	}
	baseline, err := marshalOptional(rec.Baseline, rec.Baseline == nil)
	if err != nil {
		return rec, fmt.Errorf("failed to encode baseline: %w", err)
	}

	query := `
        INSERT OR REPLACE INTO meals (id, image_url, food_items, selected_ingredients, calories, protein, carbs, fats,
            health_classification, health_score, health_suggestions, baseline_totals, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, nullString(rec.ImageURL), string(items), selected,
		rec.Calories, rec.Protein, rec.Carbs, rec.Fats,
		string(rec.HealthClassification), rec.HealthScore, suggestions, baseline,
		rec.CreatedAt.Format(timeLayout))
	if err != nil {
		return rec, fmt.Errorf("failed to insert meal: %w", err)
	}
	return rec, nil
}

const selectColumns = `
        SELECT id, image_url, food_items, selected_ingredients, calories, protein, carbs, fats,
            health_classification, health_score, health_suggestions, baseline_totals, created_at
        FROM meals
    `

func (s *SQLiteMealStore) List(ctx context.Context, limit int) ([]nutrilens.MealRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query meals: %w", err)
	}
	defer rows.Close()

	meals := []nutrilens.MealRecord{}
	for rows.Next() {
		rec, err := scanMeal(rows)
		if err != nil {
			return nil, err
		}
		meals = append(meals, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read meals: %w", err)
	}
	return meals, nil
}

func (s *SQLiteMealStore) Get(ctx context.Context, id string) (nutrilens.MealRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	rec, err := scanMeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nutrilens.MealRecord{}, fmt.Errorf("meal %s: %w", id, nutrilens.ErrNotFound)
	}
	return rec, err
}

func (s *SQLiteMealStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM meals WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("meal %s: %w", id, nutrilens.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeal(row scanner) (nutrilens.MealRecord, error) {
	var (
		rec                              nutrilens.MealRecord
		imageURL, selected, suggestions  sql.NullString
		baseline                         sql.NullString
		items, classification, createdAt string
		healthScore                      sql.NullInt64
	)

	err := row.Scan(&rec.ID, &imageURL, &items, &selected,
		&rec.Calories, &rec.Protein, &rec.Carbs, &rec.Fats,
		&classification, &healthScore, &suggestions, &baseline, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan meal: %w", err)
	}

	rec.ImageURL = imageURL.String
	rec.HealthClassification, _ = nutrilens.ParseHealthClassification(classification)
	rec.HealthScore = nutrilens.DefaultHealthScore
	if healthScore.Valid {
		rec.HealthScore = int(healthScore.Int64)
	}

	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return rec, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &rec.FoodItems); err != nil {
		return rec, fmt.Errorf("failed to decode food items of meal %s: %w", rec.ID, err)
	}
	if err := unmarshalOptional(selected, &rec.SelectedIngredients); err != nil {
		return rec, fmt.Errorf("failed to decode selected ingredients of meal %s: %w", rec.ID, err)
	}
	if err := unmarshalOptional(suggestions, &rec.Suggestions); err != nil {
		return rec, fmt.Errorf("failed to decode suggestions of meal %s: %w", rec.ID, err)
	}
	if err := unmarshalOptional(baseline, &rec.Baseline); err != nil {
		return rec, fmt.Errorf("failed to decode baseline of meal %s: %w", rec.ID, err)
	}
	return rec, nil
}

func marshalOptional(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalOptional(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
