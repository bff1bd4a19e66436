package main

import (
	"github.com/reversi-one/reversi-server/internal/app/server"
	"github.com/reversi-one/reversi-server/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	defer logging.Sync()

	srv, err := server.NewServer()
	if err != nil {
		logging.Fatal("Game server failed to start: ", zap.Error(err))
	}
	logging.Fatal("Game server exited: ", zap.Error(srv.Start()))
}
