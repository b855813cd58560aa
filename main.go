package main

import "github.com/babelgate/babelgate/cmd"

func main() {
	cmd.Execute()
}
