package main

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ext-cluster/cluster/broker"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	path := "cluster.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	file, err := os.Open(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("failed to open configuration")
	}

	fileBytes, err := ioutil.ReadAll(file)
	file.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read configuration")
	}

	configuration := broker.Configuration{}
	if err = json.Unmarshal(fileBytes, &configuration); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration")
	}

	b, err := broker.NewBroker(configuration, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create broker")
	}

	if err = b.Open(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}

	logger.Info().Msg("Broker is now running. Do ^C to exit.")

	// Wait until termination before closing
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	b.Close()
}
