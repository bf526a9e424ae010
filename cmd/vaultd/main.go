package main

import (
	"log"

	"yieldvault/services/vaultd"
)

func main() {
	if err := vaultd.Main(); err != nil {
		log.Fatal(err)
	}
}
