package main

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/auth"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository/memory"
)

// seedDemo gives a fresh in-memory store two users sharing one community
// channel, and logs tokens for them so `huddle chat` works out of the box.
func seedDemo(store *memory.Store, secret string, logger *zap.Logger) error {
	community := uuid.New()
	users := []models.UserSummary{
		{ID: uuid.New(), DisplayName: "alice"},
		{ID: uuid.New(), DisplayName: "bob"},
	}
	for _, u := range users {
		store.PutUser(u)
		store.AddCommunityMember(community, u.ID)
	}
	general := store.CreateCommunityChannel(community, "general", false)

	logger.Info("seeded demo channel", zap.String("channel_id", general.ID.String()))
	for _, u := range users {
		tok, err := auth.GenerateToken(u.ID, u.DisplayName+"@example.com", secret, 24*time.Hour)
		if err != nil {
			return err
		}
		logger.Info("demo user",
			zap.String("name", u.DisplayName),
			zap.String("user_id", u.ID.String()),
			zap.String("token", tok),
		)
	}
	return nil
}
