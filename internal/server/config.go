package server

import (
	"github.com/raysh454/racer/internal/app"
	"github.com/raysh454/racer/internal/logging"
)

type Config struct {
	// ListenAddr overrides AppConfig.ListenAddr when set.
	ListenAddr string
	AppConfig  *app.Config
	Logger     logging.Logger

	// Racer is used instead of building one from AppConfig. The server does
	// not close an injected racer.
	Racer *app.Racer
}
