package main

import "github.com/appsworld/go-dyldinfo/cmd/dyldinfo/cmd"

func main() {
	cmd.Execute()
}
