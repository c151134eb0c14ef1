// Package redis provides a Redis-based implementation of the storage.Store
// interface. Every session owns five keys:
//
//	settings:<id>         hash   status, bonus, penalty, session_name
//	questions:<id>        string JSON array of question views
//	current_clients:<id>  set    connected uids
//	results:<id>          hash   uid -> PlayerState JSON
//	ranking:<id>          string JSON array of uids
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ggoodman/quizrace/quiz"
	"github.com/ggoodman/quizrace/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key. Empty by default so that keys
	// keep their documented shape.
	KeyPrefix string
}

// Storage implements the storage.Store interface using Redis
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

func (s *Storage) settingsKey(id string) string  { return s.keyPrefix + "settings:" + id }
func (s *Storage) questionsKey(id string) string { return s.keyPrefix + "questions:" + id }
func (s *Storage) clientsKey(id string) string   { return s.keyPrefix + "current_clients:" + id }
func (s *Storage) resultsKey(id string) string   { return s.keyPrefix + "results:" + id }
func (s *Storage) rankingKey(id string) string   { return s.keyPrefix + "ranking:" + id }

func (s *Storage) SetSettings(ctx context.Context, sessionID string, settings quiz.Settings) error {
	key := s.settingsKey(sessionID)
	err := s.client.HSet(ctx, key, map[string]any{
		"status":       string(settings.Status),
		"bonus":        strconv.FormatFloat(settings.BonusTime, 'f', -1, 64),
		"penalty":      strconv.FormatFloat(settings.PenaltyTime, 'f', -1, 64),
		"session_name": settings.SessionName,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to set settings %s: %w", key, err)
	}
	return nil
}

func (s *Storage) GetSettings(ctx context.Context, sessionID string) (*quiz.Settings, error) {
	key := s.settingsKey(sessionID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get settings %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	settings := &quiz.Settings{
		Status:      quiz.Status(fields["status"]),
		SessionName: fields["session_name"],
	}
	if v := fields["bonus"]; v != "" {
		if settings.BonusTime, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid bonus in %s: %w", key, err)
		}
	}
	if v := fields["penalty"]; v != "" {
		if settings.PenaltyTime, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid penalty in %s: %w", key, err)
		}
	}
	return settings, nil
}

func (s *Storage) SetStatus(ctx context.Context, sessionID string, status quiz.Status) error {
	key := s.settingsKey(sessionID)
	if err := s.client.HSet(ctx, key, "status", string(status)).Err(); err != nil {
		return fmt.Errorf("failed to set status %s: %w", key, err)
	}
	return nil
}

func (s *Storage) SetQuestions(ctx context.Context, sessionID string, qs []quiz.QuestionView) error {
	if qs == nil {
		qs = []quiz.QuestionView{}
	}
	return s.setJSON(ctx, s.questionsKey(sessionID), qs)
}

func (s *Storage) GetQuestions(ctx context.Context, sessionID string) ([]quiz.QuestionView, error) {
	out := []quiz.QuestionView{}
	if err := s.getJSON(ctx, s.questionsKey(sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) AddClient(ctx context.Context, sessionID, uid string) error {
	key := s.clientsKey(sessionID)
	if err := s.client.SAdd(ctx, key, uid).Err(); err != nil {
		return fmt.Errorf("failed to add client to %s: %w", key, err)
	}
	return nil
}

func (s *Storage) RemoveClient(ctx context.Context, sessionID, uid string) error {
	key := s.clientsKey(sessionID)
	if err := s.client.SRem(ctx, key, uid).Err(); err != nil {
		return fmt.Errorf("failed to remove client from %s: %w", key, err)
	}
	return nil
}

func (s *Storage) ListClients(ctx context.Context, sessionID string) ([]string, error) {
	key := s.clientsKey(sessionID)
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients %s: %w", key, err)
	}
	if members == nil {
		members = []string{}
	}
	sort.Strings(members)
	return members, nil
}

func (s *Storage) PutResult(ctx context.Context, sessionID string, p quiz.PlayerState) error {
	return s.PutResults(ctx, sessionID, map[string]quiz.PlayerState{p.UID: p})
}

func (s *Storage) PutResults(ctx context.Context, sessionID string, results map[string]quiz.PlayerState) error {
	if len(results) == 0 {
		return nil
	}
	key := s.resultsKey(sessionID)
	values := make(map[string]any, len(results))
	for uid, p := range results {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal result for %s: %w", uid, err)
		}
		values[uid] = string(data)
	}
	if err := s.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("failed to put results %s: %w", key, err)
	}
	return nil
}

func (s *Storage) GetResults(ctx context.Context, sessionID string) (map[string]quiz.PlayerState, error) {
	key := s.resultsKey(sessionID)
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get results %s: %w", key, err)
	}
	out := make(map[string]quiz.PlayerState, len(raw))
	for uid, v := range raw {
		var p quiz.PlayerState
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result %s[%s]: %w", key, uid, err)
		}
		out[uid] = p
	}
	return out, nil
}

func (s *Storage) SetRanking(ctx context.Context, sessionID string, ranking []string) error {
	if ranking == nil {
		ranking = []string{}
	}
	return s.setJSON(ctx, s.rankingKey(sessionID), ranking)
}

func (s *Storage) GetRanking(ctx context.Context, sessionID string) ([]string, error) {
	out := []string{}
	if err := s.getJSON(ctx, s.rankingKey(sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	keys := []string{
		s.settingsKey(sessionID),
		s.questionsKey(sessionID),
		s.clientsKey(sessionID),
		s.resultsKey(sessionID),
		s.rankingKey(sessionID),
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to expire session %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// getJSON leaves dst untouched when the key does not exist.
func (s *Storage) getJSON(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check
var _ storage.Store = (*Storage)(nil)
