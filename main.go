package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/lettergate/lettergate-backend/api"
	"github.com/lettergate/lettergate-backend/db"
	"github.com/lettergate/lettergate-backend/email"
	"github.com/lettergate/lettergate-backend/gatekeeper"
	"github.com/lettergate/lettergate-backend/util"
)

// ServePublicEndpoints serves all public HTTP endpoints.
func ServePublicEndpoints(a *api.API, cfg *db.Config) {
	mux := http.NewServeMux()
	mainHandler := a.RegisterHandlers(mux)

	portString, err := util.ValidPort(cfg.Port)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("[Serving on localhost%s]", portString)
	log.Fatal(http.ListenAndServe(portString, mainHandler))
}

func main() {
	// Load configuration from .env when present; real env vars win.
	godotenv.Load()

	cfg, err := db.LoadEnvironmentVariables()
	if err != nil {
		log.Fatal(err)
	}
	database, err := db.InitSQLDatabase(cfg)
	if err != nil {
		log.Fatal(err)
	}
	emailConfig, err := email.MakeConfigFromEnv(database)
	if err != nil {
		log.Fatalf("couldn't connect to mailserver: %v", err)
	}
	gatekeeperClient, err := gatekeeper.MakeClientFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	a := api.API{
		Database:   database,
		Gatekeeper: gatekeeperClient,
		Emailer:    emailConfig,
		Website:    os.Getenv("FRONTEND_WEBSITE_LINK"),
		APIToken:   os.Getenv("API_TOKEN"),
	}
	ServePublicEndpoints(&a, &cfg)
}
