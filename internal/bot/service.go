package bot

import (
	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db"
)

type ServiceBot interface {
	GetBot() *api.BotAPI
}

type ServiceDB interface {
	GetDB() db.Client
}

type ServiceRegistry interface {
	GetRegistry() *config.GroupRegistry
}

type Service interface {
	ServiceBot
	ServiceDB
	ServiceRegistry
}

type service struct {
	bot      *api.BotAPI
	db       db.Client
	registry *config.GroupRegistry
}

func NewService(bot *api.BotAPI, db db.Client, registry *config.GroupRegistry) *service {
	return &service{
		bot:      bot,
		db:       db,
		registry: registry,
	}
}

func (s *service) GetBot() *api.BotAPI {
	return s.bot
}

func (s *service) GetDB() db.Client {
	return s.db
}

func (s *service) GetRegistry() *config.GroupRegistry {
	return s.registry
}
