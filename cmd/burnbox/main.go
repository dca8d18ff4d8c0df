// Command burnbox runs the single-consumption encrypted object service.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "burnbox:", err)
		os.Exit(1)
	}
}
