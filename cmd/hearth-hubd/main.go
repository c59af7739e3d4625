package main

import (
	_ "go.uber.org/automaxprocs"

	"hearth.io/hearth/cmd/hearth-hubd/app"
)

func main() {
	app.NewApp().Run()
}
