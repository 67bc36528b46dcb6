package main

import "github.com/davmount/davmount/cmd/davmount/cmd"

func main() {
	cmd.Execute()
}
