package main

import "github.com/khawaidev/pantharaaiAPI/cmd"

func main() {
	cmd.Execute()
}
