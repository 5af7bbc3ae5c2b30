// Package main is the fusion command line tool. It reconstructs a surface from synthetic or
// recorded depth frames, prints the pipeline statistics and optionally exports the raycast
// surface as a PCD file.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp(os.Stdout).RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
