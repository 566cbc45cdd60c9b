package main

import (
	"os"

	"github.com/hootmeow/bf1942-ingest/internal/admincli"
)

func main() {
	os.Exit(int(admincli.Run()))
}
