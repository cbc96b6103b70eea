package main

import (
	"log"

	"github.com/uniapi/uniapi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
