package handler

import (
	"recoverychat/internal/app/chat"
	"recoverychat/internal/configs"
)

type AppDeps struct {
	Hub    *chat.Hub
	Config *configs.AppConfig
}
