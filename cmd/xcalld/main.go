package main

import (
	"log"

	"xcallvote/cmd/internal/passphrase"
	"xcallvote/config"
	"xcallvote/services/xcalld"
)

func main() {
	sources := func(label, envVar string) config.PassphraseFunc {
		return passphrase.NewSource(label, envVar).Get
	}
	if err := xcalld.Main(sources); err != nil {
		log.Fatalf("xcalld: %v", err)
	}
}
