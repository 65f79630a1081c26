package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"vae_facile/cmd/migration/versions"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func postgresDsn(databaseUri string) string {
	parts, err := url.Parse(databaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from.")
	databaseUri := flag.String("db_uri", "", "Database uri to run migrations against. Overrides the DATABASE_URI env var.")
	rollback := flag.String("rollback", "", "If specified, rolls back to (and including) the given migration id instead of migrating.")

	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("error loading .env file '%v': %v", *envFile, err)
		}
	}

	uri := *databaseUri
	if uri == "" {
		uri = os.Getenv("DATABASE_URI")
	}
	if uri == "" {
		log.Fatal("must specify either the -db_uri flag or the DATABASE_URI env var")
	}

	db, err := gorm.Open(postgres.Open(postgresDsn(uri)), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	migrations := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:       "0_initial_schema",
			Migrate:  versions.Migration_0_initial_schema,
			Rollback: versions.Rollback_0_initial_schema,
		},
	})

	if *rollback != "" {
		if err := migrations.RollbackTo(*rollback); err != nil {
			log.Fatalf("error rolling back migrations: %v", err)
		}
		log.Println("rollback complete")
		return
	}

	if err := migrations.Migrate(); err != nil {
		log.Fatalf("error running migrations: %v", err)
	}

	log.Println("migrations complete")
}
