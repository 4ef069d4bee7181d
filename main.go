package main

import (
	"fmt"
	"os"

	"github.com/jaffee/commandeer"
)

func main() {
	if err := commandeer.Run(NewCartkit()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
