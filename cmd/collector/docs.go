package main

//go:generate swag init -g cmd/collector/main.go -o docs

// @title           marketpulse API
// @version         0.1.0
// @description     Prediction market movers, volume spikes, alerts and cross-venue arbitrage.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
