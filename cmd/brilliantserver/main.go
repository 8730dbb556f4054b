package main

import (
	"flag"
	"log"

	"github.com/brilliantshell/brilliantserver"
)

func main() {
	configFile := flag.String(
		"config",
		"config.toml",
		"configuration file path",
	)
	debug := flag.Bool("debug", false, "enable debug mode")
	flag.Parse()

	s := brilliantserver.New()
	s.ConfigFile = *configFile
	s.DebugMode = *debug
	if err := s.Serve(); err != nil {
		log.Fatal(err)
	}
}
