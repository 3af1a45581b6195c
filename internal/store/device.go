package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"device-control/internal/models"
)

// GetModelSettings returns the saved model settings, or empty settings when
// nothing has been saved yet.
func (s *Store) GetModelSettings(ctx context.Context) (models.ModelSettings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM model_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ModelSettings{}, nil
	}
	if err != nil {
		return models.ModelSettings{}, fmt.Errorf("query model settings: %w", err)
	}
	var settings models.ModelSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return models.ModelSettings{}, fmt.Errorf("unmarshal model settings: %w", err)
	}
	return settings, nil
}

// SaveModelSettings replaces the saved model settings.
func (s *Store) SaveModelSettings(ctx context.Context, settings models.ModelSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal model settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO model_settings (id, data, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, raw)
	if err != nil {
		return fmt.Errorf("save model settings: %w", err)
	}
	return nil
}

// ListConversationLogs returns one page of the conversation, newest first.
func (s *Store) ListConversationLogs(ctx context.Context, page, perPage int) ([]models.ConversationLog, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT role, msg, msg_type FROM conversation_logs
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("query conversation logs: %w", err)
	}
	defer rows.Close()

	out := make([]models.ConversationLog, 0, perPage)
	for rows.Next() {
		var role, msg string
		var typ pgtype.Text
		if err := rows.Scan(&role, &msg, &typ); err != nil {
			return nil, fmt.Errorf("scan conversation log: %w", err)
		}
		out = append(out, presentLog(role, msg, typ.String))
	}
	return out, rows.Err()
}

// presentLog maps a stored row to what clients display: tool output is shown
// as the user's turn and image rows carry their URL as the message.
func presentLog(role, msg, typ string) models.ConversationLog {
	if role == "tool" {
		role = "user"
	}
	if typ == "" {
		typ = "text"
	}
	if typ == "image" {
		var img struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(msg), &img); err == nil && img.URL != "" {
			msg = img.URL
		}
	}
	return models.ConversationLog{Role: role, Msg: msg, Type: typ}
}
