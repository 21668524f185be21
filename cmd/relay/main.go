package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"paylink/configs"
	"paylink/server"
)

var logger = logrus.New()

func main() {
	store := server.NewStore(redis.NewClient(&redis.Options{Addr: configs.RedisAddress}))
	s := server.NewServer(context.Background(), store, logger)
	defer s.Close()

	r := mux.NewRouter()
	r.HandleFunc(configs.WebSocketPath, s.HandleConnections)

	logger.Infof("Relay running on ws://%s%s", configs.ServerAddress, configs.WebSocketPath)
	if err := http.ListenAndServe(configs.ServerAddress, r); err != nil {
		logger.Fatalf("Error starting relay: %v", err)
	}
}
