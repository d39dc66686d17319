package main

import (
	"log"

	"venue-ticket/cmd"
	_ "venue-ticket/migrations"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
