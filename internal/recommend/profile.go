// internal/recommend/profile.go
package recommend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/kernel"
)

// Profile is the derived interest model of one user.
type Profile struct {
	UserID    string             `json:"user_id"`
	Vector    []float32          `json:"-"`
	Topics    map[string]float64 `json:"topics"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// profileHalfLife discounts older interactions when averaging vectors.
const profileHalfLife = 90 * 24 * time.Hour

// RefreshProfile recomputes a user's interest vector and topic weights
// from their positive interactions. The vector is the strength- and
// recency-weighted mean of the resources' dense vectors, L2-normalized.
func (s *Service) RefreshProfile(ctx context.Context, userID string) (*Profile, error) {
	interactions, err := s.Interactions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var weighted [][]float32
	topics := map[string]float64{}
	for _, in := range interactions {
		if in.Strength < positiveStrength {
			continue
		}
		decay := math.Pow(0.5, now.Sub(in.CreatedAt).Hours()/profileHalfLife.Hours())
		w := in.Strength * decay

		res, err := s.repo.Get(ctx, in.ResourceID)
		if err != nil {
			continue // deleted since; skip
		}
		for _, subject := range res.Subjects {
			topics[subject] += w
		}
		if vec, err := s.repo.DenseVectorFor(ctx, in.ResourceID); err == nil {
			scaled := make([]float32, len(vec.Vector))
			for i, v := range vec.Vector {
				scaled[i] = v * float32(w)
			}
			weighted = append(weighted, scaled)
		}
	}

	profile := &Profile{UserID: userID, Topics: topics, UpdatedAt: now}
	if len(weighted) > 0 {
		vec := embeddings.Mean(weighted)
		embeddings.Normalize(vec)
		profile.Vector = vec
	}

	topicsJSON, _ := json.Marshal(topics)
	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO user_profiles
			(user_id, vector, topics, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				vector = excluded.vector, topics = excluded.topics,
				updated_at = excluded.updated_at`,
			userID, embeddings.EncodeVector(profile.Vector), string(topicsJSON),
			now.Format(timeLayout))
		if err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("user:" + userID + ":*")
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug(ctx, "profile refreshed",
		zap.String("user_id", userID),
		zap.Int("topics", len(topics)),
		zap.Bool("has_vector", len(profile.Vector) > 0))
	return profile, nil
}

// Profile loads the stored profile, or nil when none exists yet.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	key := "user:" + userID + ":profile"
	if v, ok := s.cache.Get(key); ok {
		return v.(*Profile), nil
	}
	var blob []byte
	var topicsJSON, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT vector, topics, updated_at FROM user_profiles WHERE user_id = ?`,
		userID).Scan(&blob, &topicsJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vec, err := embeddings.DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	p := &Profile{UserID: userID, Vector: vec}
	_ = json.Unmarshal([]byte(topicsJSON), &p.Topics)
	p.UpdatedAt, _ = time.Parse(timeLayout, updated)
	s.cache.Set(key, p)
	return p, nil
}
