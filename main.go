package main

import "github.com/Bravo555/neomason-discord-bot/cmd"

func main() {
	cmd.Execute()
}
