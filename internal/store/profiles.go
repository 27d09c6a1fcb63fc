package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jmalmgren/scribed/internal/types"
)

// SaveVoiceProfile inserts a new persistent voice profile.
func (s *Store) SaveVoiceProfile(name string, embedding []float32, notes string) (*types.VoiceProfile, error) {
	p := &types.VoiceProfile{
		ID:          uuid.New().String(),
		Name:        name,
		Embedding:   embedding,
		SampleCount: 1,
		Notes:       notes,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO voice_profiles (id, name, embedding, sample_count, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, encodeEmbedding(embedding), p.SampleCount, p.Notes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save voice profile: %v", err)
	}
	return p, nil
}

// ListVoiceProfiles returns every stored voice profile with its embedding.
func (s *Store) ListVoiceProfiles() ([]types.VoiceProfile, error) {
	rows, err := s.db.Query(`
		SELECT id, name, embedding, sample_count, notes, created_at, updated_at
		FROM voice_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list voice profiles: %v", err)
	}
	defer rows.Close()

	var profiles []types.VoiceProfile
	for rows.Next() {
		var p types.VoiceProfile
		var blob []byte
		if err := rows.Scan(&p.ID, &p.Name, &blob, &p.SampleCount, &p.Notes,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan voice profile: %v", err)
		}
		p.Embedding = decodeEmbedding(blob)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateVoiceProfileEmbedding folds a new sample into the profile's running
// average embedding.
func (s *Store) UpdateVoiceProfileEmbedding(id string, sample []float32) error {
	row := s.db.QueryRow(`SELECT embedding, sample_count FROM voice_profiles WHERE id = ?`, id)
	var blob []byte
	var count float64
	if err := row.Scan(&blob, &count); err != nil {
		return fmt.Errorf("failed to load voice profile: %v", err)
	}

	current := decodeEmbedding(blob)
	if len(current) != len(sample) {
		return fmt.Errorf("embedding dimension mismatch: %d vs %d", len(current), len(sample))
	}
	for i := range current {
		current[i] = float32((float64(current[i])*count + float64(sample[i])) / (count + 1))
	}

	_, err := s.db.Exec(`
		UPDATE voice_profiles SET embedding = ?, sample_count = ?, updated_at = ? WHERE id = ?`,
		encodeEmbedding(current), count+1, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update voice profile: %v", err)
	}
	return nil
}

// DeleteVoiceProfile removes a profile.
func (s *Store) DeleteVoiceProfile(id string) error {
	res, err := s.db.Exec(`DELETE FROM voice_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete voice profile: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Embeddings are stored as little-endian float32 blobs.

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
