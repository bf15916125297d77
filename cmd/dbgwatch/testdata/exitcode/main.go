package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// exits with the code given as first argument after printing a few lines
func main() {
	fmt.Println("Hello, Debugger!")
	fmt.Fprintln(os.Stderr, "Arguments:", os.Args[1:])

	code := 0
	if len(os.Args) > 1 {
		code, _ = strconv.Atoi(os.Args[1])
	}
	time.Sleep(100 * time.Millisecond)
	fmt.Printf("5 + 7 = %d\n", add(5, 7))
	os.Exit(code)
}

func add(a, b int) int {
	return a + b
}
