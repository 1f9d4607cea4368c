package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore mirror.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// mirrorDocument is the stored shape of one key. The payload is kept as a JSON
// string so any value type round-trips unchanged.
type mirrorDocument struct {
	Payload   string    `firestore:"payload"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreSource reads reference data from a Firestore mirror collection, one
// document per key. It can stand in for the GO API in deployments that sync the
// mirror out of band.
type FirestoreSource[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
	now            func() time.Time
}

// NewFirestoreSource creates a new FirestoreSource. The client's lifecycle stays
// with the caller.
func NewFirestoreSource[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg == nil || cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
		now:            time.Now,
	}, nil
}

// Fetch retrieves the document for key and decodes its payload.
func (s *FirestoreSource[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	docID := stringKey(key)
	docSnap, err := s.client.Collection(s.collectionName).Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("key", docID).Msg("Document not found in Firestore.")
			return zero, fmt.Errorf("document not found: %w", err)
		}
		s.logger.Error().Err(err).Str("key", docID).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", docID, err)
	}

	var doc mirrorDocument
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Error().Err(err).Str("key", docID).Msg("Failed to map Firestore document data.")
		return zero, fmt.Errorf("firestore DataTo for %s: %w", docID, err)
	}
	var value V
	if err := json.Unmarshal([]byte(doc.Payload), &value); err != nil {
		return zero, fmt.Errorf("decoding payload of %s: %w", docID, err)
	}

	s.logger.Debug().Str("key", docID).Time("updated_at", doc.UpdatedAt).Msg("Successfully fetched data from Firestore.")
	return value, nil
}

// WriteToCache stores value as the mirror document for key.
func (s *FirestoreSource[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	docID := stringKey(key)
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding payload of %s: %w", docID, err)
	}
	doc := mirrorDocument{Payload: string(payload), UpdatedAt: s.now().UTC()}
	if _, err := s.client.Collection(s.collectionName).Doc(docID).Set(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("key", docID).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", docID, err)
	}
	s.logger.Debug().Str("key", docID).Msg("Successfully wrote data to Firestore.")
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource[K, V]) Close() error {
	return nil
}
