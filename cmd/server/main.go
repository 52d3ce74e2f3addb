package main

import "posologicos-backend/internal/app"

func main() {
	app.Run()
}
