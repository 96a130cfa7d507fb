package main

import (
	"log"

	"gasrelay/services/relayd"
)

func main() {
	if err := relayd.Main(); err != nil {
		log.Fatal(err)
	}
}
