/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "chatbridge/cmd"

func main() {
	cmd.Execute()
}
