package main

import (
	"context"
	"log"
	"os"

	"github.com/Blackdeer1524/HeapDB/src/app"
)

func main() {
	if err := app.Execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}
