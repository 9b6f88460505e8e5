package main

import (
	"os"

	"motortrade-backend/cmd/motortrade-cli/cmd"
)

func main() {
	configPath, ok := os.LookupEnv("MOTORTRADE_CONFIG")
	if !ok {
		configPath = "motortrade.json5"
	}
	cmd.ConfigPath = configPath

	cmd.Execute()
}
