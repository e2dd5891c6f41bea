package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ interfaces.DocumentArchive = (*pgDocumentStore)(nil)

type pgDocumentStore struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgDocumentStore(db interfaces.DBTX, logger *zap.Logger) *pgDocumentStore {
	return &pgDocumentStore{db: db, logger: logger.Named("PgDocumentStore")}
}

func (s *pgDocumentStore) LoadSource(ctx context.Context, userID string, ref string) (json.RawMessage, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM source_documents WHERE user_id = $1 AND ref = $2`, userID, ref).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("source document %q: %w", ref, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load source document %q: %w", ref, err)
	}
	return doc, nil
}

// PutSource сохраняет или заменяет исходный документ пользователя.
func (s *pgDocumentStore) PutSource(ctx context.Context, userID string, ref string, document json.RawMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO source_documents (user_id, ref, document) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, ref) DO UPDATE SET document = EXCLUDED.document`,
		userID, ref, string(document))
	if err != nil {
		return fmt.Errorf("failed to save source document %q: %w", ref, err)
	}
	return nil
}

// SaveGenerated сохраняет документ вакансии. Повторное сохранение для той же вакансии перезаписывает его.
func (s *pgDocumentStore) SaveGenerated(ctx context.Context, userID string, offerID uuid.UUID, document json.RawMessage) (string, error) {
	ref := "generated/" + offerID.String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO generated_documents (ref, user_id, offer_id, document) VALUES ($1, $2, $3, $4)
		ON CONFLICT (ref) DO UPDATE SET document = EXCLUDED.document`,
		ref, userID, offerID, string(document))
	if err != nil {
		s.logger.Error("Failed to save generated document", zap.String("offerID", offerID.String()), zap.Error(err))
		return "", fmt.Errorf("failed to save generated document for offer %s: %w", offerID, err)
	}
	return ref, nil
}

// LoadGenerated возвращает готовый документ пользователя по ссылке.
func (s *pgDocumentStore) LoadGenerated(ctx context.Context, userID string, ref string) (json.RawMessage, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM generated_documents WHERE ref = $1 AND user_id = $2`, ref, userID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("generated document %q: %w", ref, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load generated document %q: %w", ref, err)
	}
	return doc, nil
}
