package main

import (
	"log"

	"github.com/austindbirch/harbor_mail/cmd/mailctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
