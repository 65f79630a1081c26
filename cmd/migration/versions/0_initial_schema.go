package versions

import (
	"log"
	"vae_facile/portal/schema"

	"gorm.io/gorm"
)

func Migration_0_initial_schema(txn *gorm.DB) error {
	log.Println("creating initial portal schema")

	err := txn.Migrator().AutoMigrate(schema.AllModels()...)
	if err != nil {
		return err
	}

	log.Println("initial portal schema created")

	return nil
}

func Rollback_0_initial_schema(txn *gorm.DB) error {
	for _, model := range schema.AllModels() {
		if err := txn.Migrator().DropTable(model); err != nil {
			return err
		}
	}
	return nil
}
