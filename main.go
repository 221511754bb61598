/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "llmrelay/cmd"

func main() {
	cmd.Execute()
}
